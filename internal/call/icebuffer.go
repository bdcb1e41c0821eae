package call

import "github.com/pion/webrtc/v4"

// candidateBuffer queues connectivity candidates that arrived before the
// link's connection could accept them (no remote description yet). It is
// flushed exactly once, in arrival order, and is dead afterwards: once a
// remote description is set, later candidates bypass the buffer entirely.
type candidateBuffer struct {
	pending []webrtc.ICECandidateInit
	flushed bool
}

func newCandidateBuffer() *candidateBuffer {
	return &candidateBuffer{}
}

// add queues a candidate. Returns false once the buffer has been flushed;
// the caller must then deliver the candidate directly.
func (b *candidateBuffer) add(candidate webrtc.ICECandidateInit) bool {
	if b.flushed {
		return false
	}
	b.pending = append(b.pending, candidate)
	return true
}

// flush hands every queued candidate to deliver in FIFO order and retires
// the buffer. Safe to call more than once; later calls are no-ops.
func (b *candidateBuffer) flush(deliver func(webrtc.ICECandidateInit) error) error {
	if b.flushed {
		return nil
	}
	b.flushed = true
	pending := b.pending
	b.pending = nil
	for _, candidate := range pending {
		if err := deliver(candidate); err != nil {
			return err
		}
	}
	return nil
}

func (b *candidateBuffer) size() int {
	return len(b.pending)
}
