package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/collabctl/internal/protocol/session"
	"github.com/gorilla/websocket"
)

// DeviceHeader carries the dialing device id on the websocket upgrade.
const DeviceHeader = "X-Collab-Device"

// WebSocketPath is where collaboration channels are upgraded.
const WebSocketPath = "/collab/ws"

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
}

// wsChannel adapts a websocket connection to session.Channel. Every binary
// message is one raw chunk.
type wsChannel struct {
	conn   *websocket.Conn
	wmu    sync.Mutex
	closed chan struct{}
	once   sync.Once
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{conn: conn, closed: make(chan struct{})}
}

func (c *wsChannel) Send(ctx context.Context, chunk []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return c.mapErr(err)
	}
	return nil
}

func (c *wsChannel) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, c.mapErr(err)
		}
		if kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsChannel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *wsChannel) mapErr(err error) error {
	select {
	case <-c.closed:
		return session.ErrChannelClosed
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return session.ErrChannelClosed
	}
	return err
}

// WebSocketDialer opens collaboration channels to ws:// or wss:// peers.
type WebSocketDialer struct {
	LocalDevice string
	Config      session.Config
}

func (d WebSocketDialer) Dial(ctx context.Context, addr string) (session.Channel, error) {
	url := addr
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		scheme := "ws"
		if d.Config.TLS.Enabled {
			scheme = "wss"
		}
		url = fmt.Sprintf("%s://%s%s", scheme, addr, WebSocketPath)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: d.Config.ConnectTimeout,
		ReadBufferSize:   upgrader.ReadBufferSize,
		WriteBufferSize:  upgrader.WriteBufferSize,
	}
	if d.Config.TLS.Enabled {
		if err := d.Config.ValidateClientTransport(); err != nil {
			return nil, err
		}
		tlsCfg, err := d.Config.ClientTLSConfig(hostPort(url))
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}
	header := http.Header{}
	header.Set(DeviceHeader, d.LocalDevice)
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %s: %w", url, err)
	}
	return newWSChannel(conn), nil
}

// UpgradeWebSocket upgrades an inbound request into a channel and returns the
// peer device id taken from DeviceHeader, or the verified client certificate.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request) (session.Channel, string, error) {
	peer := strings.TrimSpace(r.Header.Get(DeviceHeader))
	if peer == "" && r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		peer = session.PeerIdentityFromCert(r.TLS.PeerCertificates[0])
	}
	if peer == "" {
		http.Error(w, "missing "+DeviceHeader, http.StatusBadRequest)
		return nil, "", fmt.Errorf("%w: missing %s", ErrUnknownPeer, DeviceHeader)
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, "", err
	}
	return newWSChannel(conn), peer, nil
}

func hostPort(url string) string {
	rest := url[strings.Index(url, "://")+3:]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if !strings.Contains(rest, ":") {
		rest += ":443"
	}
	return rest
}
