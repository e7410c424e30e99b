package session

import "sync/atomic"

// SeqGen hands out per-session message sequence numbers. The first call to
// Next returns 1.
type SeqGen struct {
	val atomic.Uint32
}

func NewSeqGen() *SeqGen {
	return &SeqGen{}
}

func (s *SeqGen) Next() uint32 {
	return s.val.Add(1)
}

// Last returns the most recently issued value, 0 before the first Next.
func (s *SeqGen) Last() uint32 {
	return s.val.Load()
}
