package capture

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// PairedBlock is one aligned slice of both call sides: the seller's mic and
// the prospect's audio (loopback or remote).
type PairedBlock struct {
	Mic       []float32 // mono
	Loop      []float32 // interleaved, counterpart channel count
	Timestamp time.Time
}

// Pair merges a mic source and a counterpart source into a single stream of
// paired blocks. Each side is staged independently; a paired block is emitted
// as soon as both sides hold one block's worth of samples, so a hiccup on one
// device delays pairing instead of corrupting alignment.
type Pair struct {
	mic  Source
	loop Source

	blockSize int
	out       chan PairedBlock
	done      chan struct{}
	stopOnce  sync.Once
	dropped   atomic.Uint64
}

// NewPair wires two sources together. blockSize is samples per channel per
// paired block.
func NewPair(mic, loop Source, blockSize int) *Pair {
	return &Pair{
		mic:       mic,
		loop:      loop,
		blockSize: blockSize,
		out:       make(chan PairedBlock, 16),
		done:      make(chan struct{}),
	}
}

// Start starts both sources and the merge loop.
func (p *Pair) Start() error {
	if err := p.mic.Start(); err != nil {
		return err
	}
	if err := p.loop.Start(); err != nil {
		_ = p.mic.Stop()
		return err
	}
	go p.mergeLoop()
	return nil
}

func (p *Pair) mergeLoop() {
	defer close(p.out)

	var micBuf, loopBuf []float32
	micCh := p.mic.Blocks()
	loopCh := p.loop.Blocks()

	micLen := p.blockSize * p.mic.Info().Channels
	loopLen := p.blockSize * p.loop.Info().Channels

	for micCh != nil || loopCh != nil {
		select {
		case <-p.done:
			return
		case b, ok := <-micCh:
			if !ok {
				micCh = nil
				continue
			}
			micBuf = append(micBuf, b.Samples...)
		case b, ok := <-loopCh:
			if !ok {
				loopCh = nil
				continue
			}
			loopBuf = append(loopBuf, b.Samples...)
		}

		for len(micBuf) >= micLen && len(loopBuf) >= loopLen {
			pb := PairedBlock{
				Mic:       append([]float32(nil), micBuf[:micLen]...),
				Loop:      append([]float32(nil), loopBuf[:loopLen]...),
				Timestamp: time.Now(),
			}
			micBuf = micBuf[micLen:]
			loopBuf = loopBuf[loopLen:]

			select {
			case p.out <- pb:
			case <-p.done:
				return
			default:
				p.dropped.Add(1)
			}
		}
	}
}

// Dropped returns the count of aligned blocks discarded because the
// consumer lagged.
func (p *Pair) Dropped() uint64 {
	return p.dropped.Load()
}

// Blocks returns the paired stream. The channel closes after Stop or when
// both sources end.
func (p *Pair) Blocks() <-chan PairedBlock {
	return p.out
}

// Stop halts both sources and the merge loop.
func (p *Pair) Stop() error {
	p.stopOnce.Do(func() { close(p.done) })
	errMic := p.mic.Stop()
	errLoop := p.loop.Stop()
	if n := p.dropped.Load(); n > 0 {
		log.Printf("[Capture] Pair dropped %d aligned blocks (consumer too slow)", n)
	}
	if errMic != nil {
		return errMic
	}
	return errLoop
}
