package coach

import (
	"encoding/json"
	"log"
	"os"
	"sort"
	"sync"
)

// PlaybookEntry is one winning response for an objection type, optionally
// specific to an industry or deal stage.
type PlaybookEntry struct {
	ObjectionType ObjectionType `json:"objection_type"`
	Industry      string        `json:"industry,omitempty"`
	Stage         string        `json:"stage,omitempty"`
	Text          string        `json:"text"`
	Score         float64       `json:"score,omitempty"`
}

// Playbook is an in-memory repository of coaching responses, optionally
// backed by a JSON file.
type Playbook struct {
	mu      sync.RWMutex
	entries []PlaybookEntry
	path    string
}

var defaultEntries = []PlaybookEntry{
	{ObjectionType: ObjectionPrice, Text: "Podemos empezar con un piloto de 2 semanas para que midas ROI sin riesgo."},
	{ObjectionType: ObjectionTiming, Text: "Ajustamos el inicio a tus tiempos. ¿Qué tendría que pasar para que sí sea prioridad?"},
	{ObjectionType: ObjectionAuthority, Text: "Agendemos 15 minutos con el decisor y resolvemos todo juntos."},
	{ObjectionType: ObjectionCompetition, Text: "Te muestro dónde ganamos frente a la competencia y cómo migramos sin fricción."},
	{ObjectionType: ObjectionTrust, Text: "Te enseño métricas y 2 casos de tu industria para decidir con evidencia."},
}

// NewPlaybook loads entries from the JSON file at path, or falls back to the
// built-in defaults when the path is empty or unreadable.
func NewPlaybook(path string) *Playbook {
	p := &Playbook{path: path}
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var entries []PlaybookEntry
			if err := json.Unmarshal(data, &entries); err == nil && len(entries) > 0 {
				p.entries = entries
				return p
			}
			log.Printf("[Playbook] Ignoring unreadable playbook %s: %v", path, err)
		}
	}
	p.entries = append([]PlaybookEntry(nil), defaultEntries...)
	return p
}

// Context narrows suggestion lookup to an industry and deal stage.
type Context struct {
	Industry string
	Stage    string
}

// Suggest returns the best response for an objection type: an exact
// industry/stage match first, then any entry of the type, highest score first.
// Returns "" when the playbook has nothing for the type.
func (p *Playbook) Suggest(objType ObjectionType, ctx Context) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ranked := append([]PlaybookEntry(nil), p.entries...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	for _, e := range ranked {
		if e.ObjectionType == objType && e.Industry == ctx.Industry && e.Stage == ctx.Stage {
			return e.Text
		}
	}
	for _, e := range ranked {
		if e.ObjectionType == objType {
			return e.Text
		}
	}
	return ""
}

// Learn appends a winning entry and persists the playbook when it is
// file-backed.
func (p *Playbook) Learn(entry PlaybookEntry) error {
	p.mu.Lock()
	p.entries = append(p.entries, entry)
	entries := append([]PlaybookEntry(nil), p.entries...)
	path := p.path
	p.mu.Unlock()

	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Entries returns a copy of all playbook entries.
func (p *Playbook) Entries() []PlaybookEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]PlaybookEntry(nil), p.entries...)
}
