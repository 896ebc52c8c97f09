package coach

import "regexp"

// ObjectionType is the closed taxonomy of sales objections.
type ObjectionType string

const (
	ObjectionPrice       ObjectionType = "precio"
	ObjectionTiming      ObjectionType = "tiempo"
	ObjectionAuthority   ObjectionType = "autoridad"
	ObjectionCompetition ObjectionType = "competencia"
	ObjectionTrust       ObjectionType = "confianza"
	ObjectionOther       ObjectionType = "otro"
)

// Source says which path produced a classification.
type Source string

const (
	SourceRule     Source = "rule"
	SourceFallback Source = "fallback"
)

const ruleConfidence = 0.85

type rule struct {
	objType ObjectionType
	pattern *regexp.Regexp
}

// Rule patterns match common Spanish-market phrasings. Order matters: the
// first match wins. RE2's \b is ASCII-only, so a trailing \b after an
// accented letter (comité, confío) never matches; the closing boundary is an
// explicit not-a-letter check instead.
var rules = []rule{
	{ObjectionPrice, regexp.MustCompile(`(?i)\b(caro|carísimo|carisimo|costo|coste|presupuesto|muy alto|carita)(?:$|[^\p{L}])`)},
	{ObjectionTiming, regexp.MustCompile(`(?i)\b(ahora no|más adelante|mas adelante|luego|ocupad[oa]|no tengo tiempo)(?:$|[^\p{L}])`)},
	{ObjectionAuthority, regexp.MustCompile(`(?i)\b(tengo que consultarlo|mi jefe|no decido yo|comité|comite)(?:$|[^\p{L}])`)},
	{ObjectionCompetition, regexp.MustCompile(`(?i)\b(ya usamos|trabajo con|proveedor|competencia)(?:$|[^\p{L}])`)},
	{ObjectionTrust, regexp.MustCompile(`(?i)\b(no estoy seguro|no confío|no confio|dudo|no sé si funcione|no se si funcione)(?:$|[^\p{L}])`)},
}

// matchRules runs the instant rule pass. Returns the matched type and true,
// or false when no rule fires.
func matchRules(text string) (ObjectionType, bool) {
	for _, r := range rules {
		if r.pattern.MatchString(text) {
			return r.objType, true
		}
	}
	return "", false
}
