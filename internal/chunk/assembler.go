package chunk

import (
	"encoding/base64"
	"sort"
	"strings"
	"sync"

	"github.com/xirs/xirs/internal/protocol"
)

// Progress reports the state of one in-flight message after a scan.
type Progress struct {
	Type      protocol.PacketType
	Urgency   protocol.Urgency
	Legacy    bool
	Received  int
	Total     int
	Missing   []int
	Complete  bool
	Payload   []byte // set once Complete
	Duplicate bool   // the scanned chunk was already buffered
	Restarted bool   // a conflicting chunk discarded the previous buffer
}

// Assembler buffers the chunks of one message in any scan order.
// An Assembler belongs to a single scan session; call Reset between
// unrelated sessions.
type Assembler struct {
	mu       sync.Mutex
	started  bool
	pt       protocol.PacketType
	urgency  protocol.Urgency
	legacy   bool
	total    int
	parts    map[int]string
	complete bool
	payload  []byte
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Add parses text and buffers it. A chunk that fails to parse is not
// buffered and the error is returned alongside the unchanged progress.
func (a *Assembler) Add(text string) (Progress, error) {
	c, err := Parse(text)
	if err != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.progressLocked(), err
	}
	return a.AddChunk(c)
}

// AddChunk buffers an already parsed chunk.
func (a *Assembler) AddChunk(c Chunk) (Progress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.complete {
		if a.sameMessage(c) && a.parts[c.Seq] == c.Fragment {
			p := a.progressLocked()
			p.Duplicate = true
			return p, nil
		}
		return a.progressLocked(), protocol.StateErr(protocol.CodeSessionComplete, "",
			"message already assembled, reset the session to scan another")
	}

	restarted := false
	switch {
	case !a.started:
		a.begin(c)
	case !a.sameMessage(c):
		a.begin(c)
		restarted = true
	default:
		if prev, ok := a.parts[c.Seq]; ok {
			if prev == c.Fragment {
				p := a.progressLocked()
				p.Duplicate = true
				return p, nil
			}
			// Same shape but different content: a different message.
			a.begin(c)
			restarted = true
		}
	}

	a.parts[c.Seq] = c.Fragment
	if c.Urgency != "" {
		a.urgency = c.Urgency
	}

	if len(a.parts) == a.total {
		if err := a.finishLocked(); err != nil {
			a.resetLocked()
			p := a.progressLocked()
			p.Restarted = restarted
			return p, err
		}
	}

	p := a.progressLocked()
	p.Restarted = restarted
	return p, nil
}

// Progress returns the current state without scanning anything.
func (a *Assembler) Progress() Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progressLocked()
}

// Reset discards all buffered state.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Assembler) sameMessage(c Chunk) bool {
	return a.started && c.Total == a.total && c.Type == a.pt && c.Legacy == a.legacy
}

func (a *Assembler) begin(c Chunk) {
	a.started = true
	a.pt = c.Type
	a.urgency = c.Urgency
	a.legacy = c.Legacy
	a.total = c.Total
	a.parts = make(map[int]string, c.Total)
	a.complete = false
	a.payload = nil
}

func (a *Assembler) finishLocked() error {
	var b strings.Builder
	for seq := 1; seq <= a.total; seq++ {
		b.WriteString(a.parts[seq])
	}
	payload, err := base64.StdEncoding.DecodeString(b.String())
	if err != nil {
		return protocol.FormatErr(protocol.CodeMalformedPayload, "payload", "assembled payload is not valid base64")
	}
	a.payload = payload
	a.complete = true
	return nil
}

func (a *Assembler) resetLocked() {
	a.started = false
	a.pt = ""
	a.urgency = ""
	a.legacy = false
	a.total = 0
	a.parts = nil
	a.complete = false
	a.payload = nil
}

func (a *Assembler) progressLocked() Progress {
	p := Progress{
		Type:     a.pt,
		Urgency:  a.urgency,
		Legacy:   a.legacy,
		Received: len(a.parts),
		Total:    a.total,
		Complete: a.complete,
	}
	if a.complete {
		p.Payload = append([]byte(nil), a.payload...)
		return p
	}
	for seq := 1; seq <= a.total; seq++ {
		if _, ok := a.parts[seq]; !ok {
			p.Missing = append(p.Missing, seq)
		}
	}
	sort.Ints(p.Missing)
	return p
}

// Reassemble assembles a complete set of chunk strings in one call.
func Reassemble(chunks []string) (Progress, error) {
	a := NewAssembler()
	var p Progress
	for _, text := range chunks {
		var err error
		p, err = a.Add(text)
		if err != nil {
			return p, err
		}
	}
	return p, nil
}
