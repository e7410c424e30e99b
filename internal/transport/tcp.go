package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	logs "github.com/danmuck/collabctl/internal/logging"
	"github.com/danmuck/collabctl/internal/protocol/session"
)

const (
	tcpReadChunk    = 32 * 1024
	maxHelloLineLen = 256
)

// tcpChannel adapts a stream connection to session.Channel. The peer's
// device id travels as the first newline-terminated line.
type tcpChannel struct {
	conn   net.Conn
	r      *bufio.Reader
	wmu    sync.Mutex
	closed chan struct{}
	once   sync.Once
}

func newTCPChannel(conn net.Conn, r *bufio.Reader) *tcpChannel {
	if r == nil {
		r = bufio.NewReaderSize(conn, tcpReadChunk)
	}
	return &tcpChannel{conn: conn, r: r, closed: make(chan struct{})}
}

func (c *tcpChannel) Send(ctx context.Context, chunk []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	for len(chunk) > 0 {
		n, err := c.conn.Write(chunk)
		if err != nil {
			return c.mapErr(err)
		}
		chunk = chunk[n:]
	}
	return nil
}

func (c *tcpChannel) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	buf := make([]byte, tcpReadChunk)
	n, err := c.r.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, c.mapErr(err)
}

func (c *tcpChannel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *tcpChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *tcpChannel) mapErr(err error) error {
	select {
	case <-c.closed:
		return session.ErrChannelClosed
	default:
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return session.ErrChannelClosed
	}
	return err
}

// TCPDialer opens TCP or TLS channels and announces LocalDevice.
type TCPDialer struct {
	LocalDevice string
	Config      session.Config
}

func (d TCPDialer) Dial(ctx context.Context, addr string) (session.Channel, error) {
	if err := d.Config.ValidateClientTransport(); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: d.Config.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn := rawConn
	if d.Config.TLS.Enabled {
		tlsCfg, err := d.Config.ClientTLSConfig(addr)
		if err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		tlsConn := tls.Client(rawConn, tlsCfg)
		hctx, cancel := context.WithTimeout(ctx, d.Config.ConnectTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hctx); err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	if _, err := io.WriteString(conn, d.LocalDevice+"\n"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: tcp hello: %w", err)
	}
	return newTCPChannel(conn, nil), nil
}

// Listen opens the TCP or TLS listener described by cfg.
func Listen(addr string, cfg session.Config) (net.Listener, error) {
	if err := cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return net.Listen("tcp", addr)
	}
	tlsCfg, err := cfg.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

// ServeTCP accepts channels on ln and hands each to the adapter until ctx ends.
func ServeTCP(ctx context.Context, ln net.Listener, a *Adapter) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			ch, peer, err := acceptTCP(conn, a.cfg.Session.ConnectTimeout)
			if err != nil {
				logs.Warnf("transport.ServeTCP remote=%s rejected: %v", conn.RemoteAddr(), err)
				_ = conn.Close()
				return
			}
			if _, err := a.Accept(ch, peer); err != nil {
				logs.Warnf("transport.ServeTCP accept peer=%s: %v", logs.Anonymize(peer), err)
				_ = ch.Close()
			}
		}()
	}
}

// acceptTCP completes TLS, reads the hello line, and prefers the certificate
// identity when one was presented.
func acceptTCP(conn net.Conn, timeout time.Duration) (*tcpChannel, string, error) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
	certPeer := ""
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			return nil, "", err
		}
		certPeer = peerCertIdentity(tlsConn.ConnectionState())
	}
	r := bufio.NewReaderSize(conn, tcpReadChunk)
	line, err := readHello(r)
	if err != nil {
		return nil, "", err
	}
	_ = conn.SetReadDeadline(time.Time{})
	peer := line
	if certPeer != "" {
		if line != "" && line != certPeer {
			return nil, "", fmt.Errorf("%w: hello %q does not match certificate %q", ErrUnknownPeer, line, certPeer)
		}
		peer = certPeer
	}
	if peer == "" {
		return nil, "", fmt.Errorf("%w: empty hello", ErrUnknownPeer)
	}
	return newTCPChannel(conn, r), peer, nil
}

func readHello(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for sb.Len() <= maxHelloLineLen {
		b, err := r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("transport: tcp hello: %w", err)
		}
		if b == '\n' {
			return strings.TrimSpace(sb.String()), nil
		}
		sb.WriteByte(b)
	}
	return "", fmt.Errorf("%w: hello line too long", ErrUnknownPeer)
}

func peerCertIdentity(state tls.ConnectionState) string {
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return session.PeerIdentityFromCert(state.PeerCertificates[0])
}
