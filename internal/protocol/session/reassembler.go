package session

import (
	"errors"
	"fmt"

	logs "github.com/danmuck/collabctl/internal/logging"
	"github.com/danmuck/collabctl/internal/protocol"
	"github.com/danmuck/collabctl/internal/protocol/buffer"
	"github.com/danmuck/collabctl/internal/protocol/frame"
)

var (
	ErrSequenceRegressed = fmt.Errorf("%w: session: sequence did not advance", protocol.ErrProtocolMismatch)
	ErrSequenceMismatch  = fmt.Errorf("%w: session: sequence differs from message in progress", protocol.ErrProtocolMismatch)
	ErrSubSeqMismatch    = fmt.Errorf("%w: session: unexpected sub-sequence", protocol.ErrProtocolMismatch)
	ErrNoMessageInFlight = fmt.Errorf("%w: session: fragment without start", protocol.ErrProtocolMismatch)
	ErrTotalLenMismatch  = fmt.Errorf("%w: session: total length mismatch", protocol.ErrProtocolMismatch)
	ErrFragmentOverflow  = fmt.Errorf("%w: session: fragments exceed total length", protocol.ErrProtocolMismatch)
	ErrDataTypeMismatch  = fmt.Errorf("%w: session: data type changed mid message", protocol.ErrProtocolMismatch)
	errPartialSuperseded = errors.New("superseded")
)

// Message is one reassembled inbound buffer. The receiver owns Buffer.
type Message struct {
	DataType uint32
	Seq      uint32
	Buffer   *buffer.DataBuffer
}

// Reassembler rebuilds logical messages from frames of one direction. It is
// not safe for concurrent use; the session read loop owns it.
type Reassembler struct {
	lastSeq uint32
	seen    bool

	active      bool
	expectSeq   uint32
	expectSub   uint32
	dataType    uint32
	totalLen    uint32
	accumulated uint32
	buf         *buffer.DataBuffer

	// OnDiscard observes every rejected fragment and dropped partial message.
	OnDiscard func(reason string, err error)
}

func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// InFlight reports whether a fragmented message is being accumulated.
func (r *Reassembler) InFlight() bool {
	return r.active
}

// Push feeds one decoded frame. ok is true when a complete message is ready.
// Any error drops the partial message; nothing is delivered for it.
func (r *Reassembler) Push(f frame.Frame) (Message, bool, error) {
	h := f.Header
	switch h.Frag {
	case frame.FragNone:
		return r.single(f)
	case frame.FragStart:
		return r.start(f)
	case frame.FragMid, frame.FragEnd:
		return r.next(f)
	default:
		return Message{}, false, fmt.Errorf("%w: %d", frame.ErrInvalidFragFlag, uint8(h.Frag))
	}
}

func (r *Reassembler) advance(seq uint32) error {
	if r.seen && seq <= r.lastSeq {
		return fmt.Errorf("%w: seq=%d last=%d", ErrSequenceRegressed, seq, r.lastSeq)
	}
	r.seen = true
	r.lastSeq = seq
	return nil
}

// single delivers a FragNone frame without touching fragment state.
func (r *Reassembler) single(f frame.Frame) (Message, bool, error) {
	if err := r.advance(f.Header.Seq); err != nil {
		return Message{}, false, err
	}
	msg := Message{DataType: f.Header.DataType, Seq: f.Header.Seq}
	if len(f.Payload) == 0 {
		msg.Buffer = buffer.New(0)
		return msg, true, nil
	}
	buf, err := buffer.FromBytes(f.Payload)
	if err != nil {
		return Message{}, false, err
	}
	msg.Buffer = buf
	return msg, true, nil
}

func (r *Reassembler) start(f frame.Frame) (Message, bool, error) {
	h := f.Header
	if r.active {
		logs.Warnf("session.Reassembler start seq=%d discards partial seq=%d have=%d/%d",
			h.Seq, r.expectSeq, r.accumulated, r.totalLen)
		r.discard("superseded", errPartialSuperseded)
	}
	if err := r.advance(h.Seq); err != nil {
		return Message{}, false, err
	}
	if h.SubSeq != 0 {
		r.discard("sub_seq_mismatch", ErrSubSeqMismatch)
		return Message{}, false, fmt.Errorf("%w: start sub_seq=%d", ErrSubSeqMismatch, h.SubSeq)
	}
	buf, err := buffer.Alloc(int(h.TotalLen))
	if err != nil {
		r.discard("alloc", err)
		return Message{}, false, err
	}
	r.active = true
	r.expectSeq = h.Seq
	r.expectSub = 1
	r.dataType = h.DataType
	r.totalLen = h.TotalLen
	r.accumulated = 0
	r.buf = buf
	if err := r.appendPayload(f.Payload); err != nil {
		return Message{}, false, err
	}
	return Message{}, false, nil
}

func (r *Reassembler) next(f frame.Frame) (Message, bool, error) {
	h := f.Header
	if !r.active {
		r.discard("no_start", ErrNoMessageInFlight)
		return Message{}, false, fmt.Errorf("%w: %s seq=%d sub_seq=%d", ErrNoMessageInFlight, h.Frag, h.Seq, h.SubSeq)
	}
	var err error
	switch {
	case h.Seq != r.expectSeq:
		err = fmt.Errorf("%w: seq=%d want=%d", ErrSequenceMismatch, h.Seq, r.expectSeq)
	case h.SubSeq != r.expectSub:
		err = fmt.Errorf("%w: sub_seq=%d want=%d", ErrSubSeqMismatch, h.SubSeq, r.expectSub)
	case h.TotalLen != r.totalLen:
		err = fmt.Errorf("%w: total=%d want=%d", ErrTotalLenMismatch, h.TotalLen, r.totalLen)
	case h.DataType != r.dataType:
		err = fmt.Errorf("%w: data_type=%d want=%d", ErrDataTypeMismatch, h.DataType, r.dataType)
	}
	if err != nil {
		r.discard(reasonOf(err), err)
		return Message{}, false, err
	}
	if err := r.appendPayload(f.Payload); err != nil {
		return Message{}, false, err
	}
	r.expectSub++
	if h.Frag == frame.FragMid {
		return Message{}, false, nil
	}

	if r.accumulated != r.totalLen {
		err := fmt.Errorf("%w: have=%d total=%d", ErrTotalLenMismatch, r.accumulated, r.totalLen)
		r.discard("total_len_mismatch", err)
		return Message{}, false, err
	}
	msg := Message{DataType: r.dataType, Seq: r.expectSeq, Buffer: r.buf}
	r.reset()
	return msg, true, nil
}

func (r *Reassembler) appendPayload(p []byte) error {
	if uint64(r.accumulated)+uint64(len(p)) > uint64(r.totalLen) {
		err := fmt.Errorf("%w: have=%d add=%d total=%d", ErrFragmentOverflow, r.accumulated, len(p), r.totalLen)
		r.discard("overflow", err)
		return err
	}
	if len(p) > 0 {
		if _, err := r.buf.WriteAt(p, int(r.accumulated)); err != nil {
			r.discard("write", err)
			return err
		}
	}
	r.accumulated += uint32(len(p))
	return nil
}

func (r *Reassembler) discard(reason string, err error) {
	if r.OnDiscard != nil {
		r.OnDiscard(reason, err)
	}
	r.reset()
}

func (r *Reassembler) reset() {
	r.active = false
	r.expectSeq = 0
	r.expectSub = 0
	r.dataType = 0
	r.totalLen = 0
	r.accumulated = 0
	r.buf = nil
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, ErrSequenceMismatch):
		return "seq_mismatch"
	case errors.Is(err, ErrSubSeqMismatch):
		return "sub_seq_mismatch"
	case errors.Is(err, ErrTotalLenMismatch):
		return "total_len_mismatch"
	case errors.Is(err, ErrDataTypeMismatch):
		return "data_type_mismatch"
	default:
		return "other"
	}
}
