package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"p2p_chat/internal/model"
	"p2p_chat/internal/utils/log"
)

const dialTimeout = 3 * time.Second

// WSTransport implements Capability over WebSocket. The local description
// names the session and carries a channel token; candidates are the
// listener's reachable host:port addresses. Whichever side dials
// successfully first binds the channel; later connections are dropped.
type WSTransport struct {
	mu       sync.Mutex
	local    *model.Descriptor
	remote   *model.Descriptor
	listener net.Listener
	httpSrv  *http.Server
	channel  *wsChannel
	accept   func(Channel)
	closed   bool
}

func NewWS() *WSTransport {
	return &WSTransport{}
}

func (t *WSTransport) CreateOffer(ctx context.Context) (*model.Descriptor, error) {
	return t.createLocal(ctx)
}

func (t *WSTransport) CreateAnswer(ctx context.Context) (*model.Descriptor, error) {
	return t.createLocal(ctx)
}

func (t *WSTransport) createLocal(ctx context.Context) (*model.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.ensureListener(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = &model.Descriptor{
		SessionID: uuid.NewString(),
		Token:     uuid.NewString(),
	}
	return t.local, nil
}

func (t *WSTransport) ApplyRemote(ctx context.Context, d *model.Descriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d == nil {
		return ErrNoRemote
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = d
	return nil
}

// AddCandidate dials the candidate when no channel is bound yet. A bound
// channel makes this a no-op, so duplicates cost nothing.
func (t *WSTransport) AddCandidate(ctx context.Context, c model.Candidate) error {
	t.mu.Lock()
	remote := t.remote
	bound := t.channel != nil && t.channel.Open()
	t.mu.Unlock()

	if bound {
		return nil
	}
	if remote == nil {
		return ErrNoRemote
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     c.Addr,
		Path:     "/channel",
		RawQuery: url.Values{"token": []string{remote.Token}}.Encode(),
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		// an unreachable candidate is expected, not fatal
		log.Debug("candidate dial failed", zap.String("addr", c.Addr), zap.Error(err))
		return nil
	}

	t.bind(conn)
	return nil
}

// GatherCandidates enumerates the listener's addresses. The set is finite
// and returned as soon as enumeration ends; the context bounds the wait.
func (t *WSTransport) GatherCandidates(ctx context.Context) ([]model.Candidate, error) {
	if err := t.ensureListener(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	port := t.listener.Addr().(*net.TCPAddr).Port
	t.mu.Unlock()
	candidates := []model.Candidate{
		{Addr: fmt.Sprintf("127.0.0.1:%d", port)},
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil {
			continue
		}
		candidates = append(candidates, model.Candidate{
			Addr: fmt.Sprintf("%s:%d", ip.String(), port),
		})
	}
	return candidates, nil
}

func (t *WSTransport) OpenChannel() (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.channel == nil {
		t.channel = newWSChannel()
	}
	return t.channel, nil
}

func (t *WSTransport) AcceptChannel(fn func(Channel)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accept = fn
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.channel != nil {
		_ = t.channel.Close()
	}
	if t.httpSrv != nil {
		_ = t.httpSrv.Close()
	}
	return nil
}

func (t *WSTransport) ensureListener() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("open channel listener: %w", err)
	}
	t.listener = ln

	handler := http.NewServeMux()
	handler.HandleFunc("/channel", t.handleUpgrade)
	t.httpSrv = &http.Server{Handler: handler}

	go func() {
		if err := t.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Debug("channel listener stopped", zap.Error(err))
		}
	}()
	return nil
}

func (t *WSTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	local := t.local
	t.mu.Unlock()

	if local == nil || r.URL.Query().Get("token") != local.Token {
		http.Error(w, "unknown session token", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	t.bind(conn)
}

// bind attaches a connection to the session's channel. The first connection
// wins; extras are closed.
func (t *WSTransport) bind(conn *websocket.Conn) {
	t.mu.Lock()

	if t.closed || (t.channel != nil && t.channel.Open()) {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}

	accepted := false
	if t.channel == nil {
		t.channel = newWSChannel()
		accepted = true
	}
	ch := t.channel
	accept := t.accept
	t.mu.Unlock()

	ch.bind(conn)
	if accepted && accept != nil {
		accept(ch)
	}
}

type wsChannel struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	open      bool
	onMessage func([]byte)
	onOpen    func()
	onClose   func()
}

func newWSChannel() *wsChannel {
	return &wsChannel{}
}

func (c *wsChannel) bind(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.open = true
	onOpen := c.onOpen
	c.mu.Unlock()

	go c.readLoop(conn)
	if onOpen != nil {
		onOpen()
	}
}

func (c *wsChannel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("channel closed", zap.Error(err))
			c.mu.Lock()
			c.open = false
			onClose := c.onClose
			c.mu.Unlock()

			_ = conn.Close()
			if onClose != nil {
				onClose()
			}
			return
		}

		c.mu.Lock()
		onMessage := c.onMessage
		c.mu.Unlock()
		if onMessage != nil {
			onMessage(data)
		}
	}
}

func (c *wsChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *wsChannel) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open || c.conn == nil {
		return ErrChannelNotOpen
	}
	return c.conn.WriteJSON(v)
}

func (c *wsChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *wsChannel) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = fn
}

func (c *wsChannel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.open = false
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
