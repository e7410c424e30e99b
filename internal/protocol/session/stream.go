package session

import (
	"fmt"

	"github.com/danmuck/collabctl/internal/protocol"
	"github.com/danmuck/collabctl/internal/protocol/frame"
)

var ErrStreamOverflow = fmt.Errorf("%w: session: pending stream bytes exceed one frame", protocol.ErrResourceExhausted)

// Splitter cuts an unframed byte stream into whole frames. Chunks may hold
// partial frames or several frames back to back.
type Splitter struct {
	limits  frame.Limits
	maxHold int
	pending []byte
}

func NewSplitter(limits frame.Limits) *Splitter {
	maxHold := frame.HeaderLen + int(limits.MaxPayloadBytes) + 0xFFFF
	return &Splitter{limits: limits, maxHold: maxHold}
}

// Pending is the number of buffered bytes not yet forming a whole frame.
func (s *Splitter) Pending() int {
	return len(s.pending)
}

// Reset drops buffered bytes, used after the stream desynchronizes.
func (s *Splitter) Reset() {
	s.pending = nil
}

// Push appends chunk and returns every complete frame now available. On a
// decode error the buffered bytes are dropped and the frames decoded before
// the error are still returned.
func (s *Splitter) Push(chunk []byte) ([]frame.Frame, error) {
	s.pending = append(s.pending, chunk...)
	var out []frame.Frame
	for {
		n, ok, err := frame.PeekLen(s.pending, s.limits)
		if err != nil {
			s.Reset()
			return out, err
		}
		if !ok || len(s.pending) < n {
			if len(s.pending) > s.maxHold {
				held := len(s.pending)
				s.Reset()
				return out, fmt.Errorf("%w: held=%d", ErrStreamOverflow, held)
			}
			return out, nil
		}
		raw := make([]byte, n)
		copy(raw, s.pending[:n])
		f, err := frame.Decode(raw, s.limits)
		if err != nil {
			s.Reset()
			return out, err
		}
		out = append(out, f)
		s.pending = s.pending[n:]
		if len(s.pending) == 0 {
			s.pending = nil
			return out, nil
		}
	}
}
