package station

import (
	"context"
	"strings"
	"sync"

	"github.com/xirs/xirs/internal/chunk"
	"github.com/xirs/xirs/internal/observability"
)

// Scan is the outcome of feeding one scanned text to a session.
type Scan struct {
	Progress chunk.Progress
	// Result is set once, when the scan that completed the message is fed.
	Result *Result
}

// ScanSession assembles one message from successive scans and ingests it
// when the last chunk arrives. Sessions are not shared between scanners.
type ScanSession struct {
	pipeline *Pipeline
	asm      *chunk.Assembler
	ingested bool
	result   *Result
	mu       sync.Mutex
}

// NewSession starts an empty scan session feeding p.
func NewSession(p *Pipeline) *ScanSession {
	return &ScanSession{pipeline: p, asm: chunk.NewAssembler()}
}

// Feed buffers one scanned text. Chunk errors are returned with the
// unchanged progress; the session stays usable.
func (s *ScanSession) Feed(ctx context.Context, text string) (Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prog, err := s.asm.Add(strings.TrimSpace(text))
	if err != nil {
		observability.RecordChunk(codeOf(err))
		return Scan{Progress: prog}, err
	}
	observability.RecordChunk("ok")
	if prog.Restarted {
		s.ingested = false
		s.result = nil
	}
	if !prog.Complete || prog.Duplicate || s.ingested {
		return Scan{Progress: prog}, nil
	}

	res := s.pipeline.Ingest(ctx, prog.Payload)
	s.ingested = true
	s.result = &res
	return Scan{Progress: prog, Result: &res}, nil
}

// Result returns the ingest result once the message completed.
func (s *ScanSession) Result() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return Result{}, false
	}
	return *s.result, true
}

// Reset discards buffered chunks so another message can be scanned.
// Abandoning a session this way has no other side effects.
func (s *ScanSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asm.Reset()
	s.ingested = false
	s.result = nil
}
