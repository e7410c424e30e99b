package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	logs "github.com/danmuck/collabctl/internal/logging"
	"github.com/danmuck/collabctl/internal/observability"
	"github.com/danmuck/collabctl/internal/protocol"
	"github.com/danmuck/collabctl/internal/protocol/buffer"
	"github.com/danmuck/collabctl/internal/protocol/frame"
)

var (
	ErrSessionClosed = fmt.Errorf("%w: session: closed", protocol.ErrInvalidState)
	ErrEmptyBuffer   = fmt.Errorf("%w: session: nil buffer", protocol.ErrInvalidParameters)
)

// Handler receives reassembled messages and takes ownership of msg.Buffer.
type Handler func(sessionID int32, msg Message)

// Info identifies a session for logs and registries.
type Info struct {
	ID          int32
	LocalDevice string
	PeerDevice  string
	IsServer    bool
	RemoteAddr  string
}

// Session frames outbound buffers onto a Channel and reassembles inbound chunks.
type Session struct {
	info    Info
	cfg     Config
	ch      Channel
	handler Handler
	seq     *SeqGen

	// sendMu keeps all frames of one message contiguous on the wire.
	sendMu sync.Mutex

	recvMu   sync.Mutex
	splitter *Splitter
	reasm    *Reassembler

	refCount atomic.Int32
	closed   atomic.Bool
	done     chan struct{}
	once     sync.Once
}

func New(info Info, ch Channel, cfg Config, handler Handler) *Session {
	info.RemoteAddr = ch.RemoteAddr()
	s := &Session{
		info:     info,
		cfg:      cfg,
		ch:       ch,
		handler:  handler,
		seq:      NewSeqGen(),
		splitter: NewSplitter(cfg.Limits),
		reasm:    NewReassembler(),
		done:     make(chan struct{}),
	}
	s.reasm.OnDiscard = func(reason string, err error) {
		observability.RecordReassemblyFailure(reason)
		logs.Warnf("session.reassembly id=%d peer=%s reason=%s err=%v",
			s.info.ID, logs.Anonymize(s.info.PeerDevice), reason, err)
	}
	s.refCount.Store(1)
	return s
}

func (s *Session) ID() int32 {
	return s.info.ID
}

func (s *Session) Info() Info {
	return s.info
}

func (s *Session) PeerDevice() string {
	return s.info.PeerDevice
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// OnConnect records another user of the session.
func (s *Session) OnConnect() {
	s.refCount.Add(1)
}

// OnDisconnect drops one user and reports whether none remain.
func (s *Session) OnDisconnect() bool {
	return s.refCount.Add(-1) <= 0
}

// SendData fragments buf and writes every frame before any other message may
// start. The session takes ownership of buf.
func (s *Session) SendData(ctx context.Context, dataType uint32, buf *buffer.DataBuffer) error {
	if buf == nil {
		return ErrEmptyBuffer
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}
	payload := buf.Data()
	if limit := s.cfg.Limits.MaxTotalBytes; limit > 0 && uint64(len(payload)) > uint64(limit) {
		return fmt.Errorf("%w: %d > %d", frame.ErrTotalTooLarge, len(payload), limit)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	seq := s.seq.Next()
	frames := Fragment(seq, dataType, payload, s.cfg.MaxPayload())
	logs.Debugf("session.SendData id=%d seq=%d type=%d bytes=%d frames=%d",
		s.info.ID, seq, dataType, len(payload), len(frames))
	for _, f := range frames {
		raw, err := frame.Encode(f, s.cfg.Limits)
		if err != nil {
			return err
		}
		wctx, cancel := s.writeContext(ctx)
		err = s.ch.Send(wctx, raw)
		cancel()
		if err != nil {
			logs.Errf("session.SendData id=%d seq=%d sub_seq=%d write failed: %v", s.info.ID, seq, f.Header.SubSeq, err)
			return err
		}
		observability.RecordFrame("tx", f.Header.Frag.String(), len(raw))
	}
	return nil
}

func (s *Session) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.WriteTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.WriteTimeout)
	}
	return context.WithCancel(ctx)
}

// OnBytesReceived pushes one raw chunk through splitting and reassembly.
// Completed messages go to the handler in order. The first error is
// returned after the remaining frames of the chunk have been processed.
func (s *Session) OnBytesReceived(chunk []byte) error {
	s.recvMu.Lock()
	frames, splitErr := s.splitter.Push(chunk)
	var msgs []Message
	var firstErr error
	for _, f := range frames {
		observability.RecordFrame("rx", f.Header.Frag.String(), f.Header.EncodedLen()+len(f.Payload))
		msg, ok, err := s.reasm.Push(f)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			msgs = append(msgs, msg)
		}
	}
	s.recvMu.Unlock()

	for _, msg := range msgs {
		observability.RecordMessageDelivered(msg.DataType)
		if s.handler != nil {
			s.handler(s.info.ID, msg)
		}
	}
	if splitErr != nil {
		observability.RecordReassemblyFailure("decode")
		logs.Warnf("session.OnBytesReceived id=%d stream reset: %v", s.info.ID, splitErr)
		if firstErr == nil {
			firstErr = splitErr
		}
	}
	return firstErr
}

// Run reads the channel until it fails or ctx ends. Per-frame protocol
// errors are logged and do not end the loop.
func (s *Session) Run(ctx context.Context) error {
	logs.Infof("session.Run id=%d peer=%s remote=%s server=%t",
		s.info.ID, logs.Anonymize(s.info.PeerDevice), s.info.RemoteAddr, s.info.IsServer)
	for {
		chunk, err := s.ch.Recv(ctx)
		if err != nil {
			if s.closed.Load() || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := s.OnBytesReceived(chunk); err != nil {
			logs.Warnf("session.Run id=%d dropped inbound data: %v", s.info.ID, err)
		}
	}
}

// Close shuts the channel. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.ch.Close()
		close(s.done)
		logs.Infof("session.Close id=%d peer=%s", s.info.ID, logs.Anonymize(s.info.PeerDevice))
	})
	return err
}
