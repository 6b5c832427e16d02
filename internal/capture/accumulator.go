package capture

import (
	"context"
	"sync"
)

// Batch is the audio taken from one session's pending chunks.
type Batch struct {
	SessionID string
	Seq       uint64
	Audio     []byte
	Chunks    int
	MimeType  string

	slot chan struct{}
}

type buffer struct {
	chunks   [][]byte
	mimeType string
	seq      uint64
	// inflight is non-nil while a batch taken from this buffer is being
	// transcribed; it is closed on release.
	inflight chan struct{}
	// disposed marks a buffer kept only to hold its in-flight slot. It is
	// removed when that batch is released.
	disposed bool
}

// Accumulator gathers chunks per session and hands them out in batches, with
// at most one batch per session outstanding at a time.
type Accumulator struct {
	mu        sync.Mutex
	threshold int
	sessions  map[string]*buffer
}

func NewAccumulator(threshold int) *Accumulator {
	if threshold <= 0 {
		threshold = 1
	}
	return &Accumulator{
		threshold: threshold,
		sessions:  make(map[string]*buffer),
	}
}

func (a *Accumulator) Threshold() int {
	return a.threshold
}

// AppendChunk stores a chunk and returns the session's pending count.
func (a *Accumulator) AppendChunk(sessionID string, data []byte, mimeType string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := a.sessions[sessionID]
	if buf == nil {
		buf = &buffer{}
		a.sessions[sessionID] = buf
	}
	buf.disposed = false
	buf.chunks = append(buf.chunks, data)
	if mimeType != "" {
		buf.mimeType = mimeType
	}
	return len(buf.chunks)
}

// ShouldDispatch reports whether a full batch is waiting and no batch is in flight.
func (a *Accumulator) ShouldDispatch(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := a.sessions[sessionID]
	return buf != nil && buf.inflight == nil && len(buf.chunks) >= a.threshold
}

// TakeBatch removes every pending chunk and marks the session in flight. It
// refuses while another batch is outstanding or when nothing is pending.
func (a *Accumulator) TakeBatch(sessionID string) (Batch, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.takeLocked(sessionID)
}

// TakeReady is ShouldDispatch and TakeBatch as one step.
func (a *Accumulator) TakeReady(sessionID string) (Batch, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := a.sessions[sessionID]
	if buf == nil || buf.inflight != nil || len(buf.chunks) < a.threshold {
		return Batch{}, false
	}
	return a.takeLocked(sessionID)
}

func (a *Accumulator) takeLocked(sessionID string) (Batch, bool) {
	buf := a.sessions[sessionID]
	if buf == nil || buf.inflight != nil || len(buf.chunks) == 0 {
		return Batch{}, false
	}
	size := 0
	for _, c := range buf.chunks {
		size += len(c)
	}
	audio := make([]byte, 0, size)
	for _, c := range buf.chunks {
		audio = append(audio, c...)
	}
	buf.seq++
	buf.inflight = make(chan struct{})
	b := Batch{
		SessionID: sessionID,
		Seq:       buf.seq,
		Audio:     audio,
		Chunks:    len(buf.chunks),
		MimeType:  buf.mimeType,
		slot:      buf.inflight,
	}
	buf.chunks = nil
	return b, true
}

// ReleaseBatch frees the in-flight slot held by b. Releasing twice does
// nothing. A disposed session's state goes away with its last release.
func (a *Accumulator) ReleaseBatch(b Batch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := a.sessions[b.SessionID]
	if buf == nil || buf.inflight == nil || buf.inflight != b.slot {
		return
	}
	close(buf.inflight)
	buf.inflight = nil
	if buf.disposed {
		delete(a.sessions, b.SessionID)
	}
}

// FlushRemaining waits for the session's in-flight batch, then takes whatever
// is still pending and runs process on it before returning. It returns the
// context error when the wait is cut short.
func (a *Accumulator) FlushRemaining(ctx context.Context, sessionID string, process func(Batch)) error {
	for {
		a.mu.Lock()
		buf := a.sessions[sessionID]
		if buf == nil {
			a.mu.Unlock()
			return nil
		}
		if wait := buf.inflight; wait != nil {
			a.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		batch, ok := a.takeLocked(sessionID)
		a.mu.Unlock()
		if !ok {
			return nil
		}
		func() {
			defer a.ReleaseBatch(batch)
			process(batch)
		}()
		return nil
	}
}

// Dispose drops the session's pending chunks. A batch already in flight keeps
// its slot until released, so a session reopened under the same id cannot
// start a second batch alongside it.
func (a *Accumulator) Dispose(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := a.sessions[sessionID]
	if buf == nil {
		return
	}
	if buf.inflight != nil {
		buf.chunks = nil
		buf.mimeType = ""
		buf.disposed = true
		return
	}
	delete(a.sessions, sessionID)
}

func (a *Accumulator) Pending(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if buf := a.sessions[sessionID]; buf != nil {
		return len(buf.chunks)
	}
	return 0
}

func (a *Accumulator) InFlight(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := a.sessions[sessionID]
	return buf != nil && buf.inflight != nil
}

// Sessions returns the number of sessions holding state.
func (a *Accumulator) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}
