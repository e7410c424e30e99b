package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/collabctl/internal/protocol"
	"github.com/danmuck/collabctl/internal/protocol/buffer"
	"github.com/danmuck/collabctl/internal/protocol/frame"
	"github.com/danmuck/collabctl/internal/testutil/testlog"
)

type collector struct {
	mu   sync.Mutex
	msgs []Message
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) handle(_ int32, msg Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []Message {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d/%d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func smallFrames() Config {
	cfg := DefaultConfig()
	cfg.MaxFrameBytes = frame.HeaderLen + 16
	return cfg
}

func TestSeqGenStartsAtOne(t *testing.T) {
	testlog.Start(t)
	g := NewSeqGen()
	if g.Last() != 0 || g.Next() != 1 || g.Next() != 2 || g.Last() != 2 {
		t.Fatalf("unexpected sequence progression")
	}
}

func TestConfigMaxPayloadBounds(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if got := cfg.MaxPayload(); got != DefaultMaxFrameBytes-frame.HeaderLen {
		t.Fatalf("unexpected default payload budget %d", got)
	}
	cfg.MaxFrameBytes = 1
	if cfg.MaxPayload() != 1 {
		t.Fatalf("payload budget must stay positive")
	}
	cfg.MaxFrameBytes = 64 * 1024 * 1024
	if cfg.MaxPayload() != int(cfg.Limits.MaxPayloadBytes) {
		t.Fatalf("payload budget must respect frame limits")
	}
}

func TestSessionPipeDeliversInOrder(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe(64)
	cfg := smallFrames()
	sink := newCollector()
	tx := New(Info{ID: 1, PeerDevice: "sink-device-01"}, a, cfg, nil)
	rx := New(Info{ID: 2, PeerDevice: "source-device-01", IsServer: true}, b, cfg, sink.handle)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rx.Run(ctx) }()

	payloads := [][]byte{pattern(0), pattern(5), pattern(16), pattern(17), pattern(100)}
	for _, p := range payloads {
		buf := buffer.New(len(p))
		copy(buf.Data(), p)
		if err := tx.SendData(ctx, 1, buf); err != nil {
			t.Fatalf("send len=%d: %v", len(p), err)
		}
	}
	msgs := sink.wait(t, len(payloads))
	for i, msg := range msgs {
		if msg.Seq != uint32(i+1) {
			t.Fatalf("message %d: expected seq %d, got %d", i, i+1, msg.Seq)
		}
		if !bytes.Equal(msg.Buffer.Data(), payloads[i]) && !(len(payloads[i]) == 0 && len(msg.Buffer.Data()) == 0) {
			t.Fatalf("message %d: payload mismatch", i)
		}
	}
	_ = tx.Close()
	_ = rx.Close()
}

func TestOnBytesReceivedHandlesArbitraryChunking(t *testing.T) {
	testlog.Start(t)
	cfg := smallFrames()
	want := pattern(70)
	var wire []byte
	for _, f := range Fragment(1, 1, want, cfg.MaxPayload()) {
		raw, err := frame.Encode(f, cfg.Limits)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		wire = append(wire, raw...)
	}
	wire2 := Fragment(2, 1, []byte("tail"), cfg.MaxPayload())
	raw, _ := frame.Encode(wire2[0], cfg.Limits)
	wire = append(wire, raw...)

	for _, chunk := range []int{1, 3, 7, 64, len(wire)} {
		sink := newCollector()
		a, _ := Pipe(1)
		s := New(Info{ID: 3}, a, cfg, sink.handle)
		for i := 0; i < len(wire); i += chunk {
			end := i + chunk
			if end > len(wire) {
				end = len(wire)
			}
			if err := s.OnBytesReceived(wire[i:end]); err != nil {
				t.Fatalf("chunk=%d offset=%d: %v", chunk, i, err)
			}
		}
		msgs := sink.wait(t, 2)
		if !bytes.Equal(msgs[0].Buffer.Data(), want) || string(msgs[1].Buffer.Data()) != "tail" {
			t.Fatalf("chunk=%d: reassembly mismatch", chunk)
		}
		if s.splitter.Pending() != 0 {
			t.Fatalf("chunk=%d: leftover bytes %d", chunk, s.splitter.Pending())
		}
	}
}

func TestOnBytesReceivedSequenceErrorDeliversNothing(t *testing.T) {
	testlog.Start(t)
	cfg := smallFrames()
	sink := newCollector()
	a, _ := Pipe(1)
	s := New(Info{ID: 4}, a, cfg, sink.handle)

	frames := Fragment(1, 1, pattern(48), cfg.MaxPayload())
	frames[2].Header.SubSeq = 5
	var firstErr error
	for _, f := range frames {
		raw, err := frame.Encode(f, cfg.Limits)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := s.OnBytesReceived(raw); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if !errors.Is(firstErr, protocol.ErrProtocolMismatch) {
		t.Fatalf("expected protocol mismatch, got %v", firstErr)
	}
	if len(sink.msgs) != 0 {
		t.Fatalf("expected no delivery, got %d messages", len(sink.msgs))
	}
}

func TestOnBytesReceivedGarbageResetsStream(t *testing.T) {
	testlog.Start(t)
	cfg := smallFrames()
	sink := newCollector()
	a, _ := Pipe(1)
	s := New(Info{ID: 5}, a, cfg, sink.handle)

	err := s.OnBytesReceived([]byte("GET / HTTP/1.1\r\n\r\n"))
	if !errors.Is(err, frame.ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
	raw, _ := frame.Encode(Fragment(1, 1, []byte("ok"), cfg.MaxPayload())[0], cfg.Limits)
	if err := s.OnBytesReceived(raw); err != nil {
		t.Fatalf("expected recovery after reset, got %v", err)
	}
	if msgs := sink.wait(t, 1); string(msgs[0].Buffer.Data()) != "ok" {
		t.Fatalf("unexpected message after reset")
	}
}

func TestSendDataAfterCloseFails(t *testing.T) {
	testlog.Start(t)
	a, _ := Pipe(1)
	s := New(Info{ID: 6}, a, DefaultConfig(), nil)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	err := s.SendData(context.Background(), 1, buffer.New(4))
	if !errors.Is(err, ErrSessionClosed) || !errors.Is(err, protocol.ErrInvalidState) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := s.SendData(context.Background(), 1, nil); !errors.Is(err, protocol.ErrInvalidParameters) {
		t.Fatalf("expected invalid parameters for nil buffer, got %v", err)
	}
}

func TestConcurrentSendersDoNotInterleave(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe(256)
	cfg := smallFrames()
	sink := newCollector()
	tx := New(Info{ID: 7}, a, cfg, nil)
	rx := New(Info{ID: 8}, b, cfg, sink.handle)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rx.Run(ctx) }()

	const senders = 8
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := bytes.Repeat([]byte{byte(i)}, 50)
			buf, _ := buffer.FromBytes(p)
			if err := tx.SendData(ctx, 1, buf); err != nil {
				t.Errorf("sender %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	msgs := sink.wait(t, senders)
	for _, msg := range msgs {
		data := msg.Buffer.Data()
		if len(data) != 50 || !bytes.Equal(data, bytes.Repeat(data[:1], 50)) {
			t.Fatalf("message seq=%d interleaved", msg.Seq)
		}
	}
}

func TestPipeCloseUnblocksRun(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe(1)
	rx := New(Info{ID: 9}, b, DefaultConfig(), nil)
	done := make(chan error, 1)
	go func() { done <- rx.Run(context.Background()) }()
	_ = a.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("expected ErrChannelClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after peer close")
	}
}
