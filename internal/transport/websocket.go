package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/andersfylling/rollplay/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	wsWriteWait = 1 * time.Second
	// Pings keep intermediaries from closing an idle socket; the pong
	// deadline tolerates losing a few before giving up on the peer.
	wsPingPeriod = 2 * time.Second
	wsPongWait   = 4 * wsPingPeriod

	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Websocket is a Transport over gorilla websockets. A hosting peer
// serves Handler() over HTTP and clients Dial it; either way each
// remote peer gets a read/write pump pair and is identified by the
// PeerHello it sends first.
type Websocket struct {
	localID protocol.PlayerID
	log     *logrus.Entry

	mu    sync.Mutex
	conns map[protocol.PlayerID]*wsConn

	recv         func(from protocol.PlayerID, msg protocol.Payload)
	onConnect    func(peer protocol.PlayerID)
	onDisconnect func(peer protocol.PlayerID)

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

type wsConn struct {
	peer protocol.PlayerID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// NewWebsocket creates a websocket transport for the local peer.
func NewWebsocket(localID protocol.PlayerID, log *logrus.Entry) *Websocket {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &Websocket{
		localID: localID,
		log:     log,
		conns:   make(map[protocol.PlayerID]*wsConn),
		ctx:     ctx,
		cancel:  cancel,
		group:   group,
	}
}

// Handler returns the HTTP handler a hosting peer serves.
func (w *Websocket) Handler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			w.log.WithError(err).Warn("websocket upgrade failed")
			return
		}
		w.accept(conn)
	})
}

// Dial connects to a hosting peer and identifies the local player.
func (w *Websocket) Dial(url string) error {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return errors.Wrapf(err, "dialing %s", url)
	}

	hello, err := protocol.Marshal(protocol.PeerHello{
		Version: protocol.ProtocolVersion,
		Player:  w.localID,
	})
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
		conn.Close()
		return errors.Wrap(err, "sending hello")
	}
	w.accept(conn)
	return nil
}

// accept wires the pump pair for a new socket. The remote peer's
// identity arrives in its first message (PeerHello).
func (w *Websocket) accept(conn *websocket.Conn) {
	c := &wsConn{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}
	w.group.Go(func() error { return w.readPump(c) })
	w.group.Go(func() error { return w.writePump(c) })
}

func (w *Websocket) readPump(c *wsConn) error {
	defer w.drop(c)

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil // socket closed; drop handles notification
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.Unmarshal(data)
		if err != nil {
			w.log.WithError(err).Warn("undecodable message, dropping")
			continue
		}

		if hello, ok := msg.(protocol.PeerHello); ok {
			if c.peer != "" {
				continue // duplicate hello
			}
			if !protocol.Compatible(protocol.ProtocolVersion, hello.Version) {
				w.log.WithField("version", hello.Version).Warn("incompatible peer rejected")
				return nil
			}
			c.peer = hello.Player
			w.register(c)
			// Answer so a dialing peer learns our identity too.
			if reply, err := protocol.Marshal(protocol.PeerHello{
				Version: protocol.ProtocolVersion,
				Player:  w.localID,
			}); err == nil {
				select {
				case c.send <- reply:
				default:
				}
			}
			continue
		}
		if c.peer == "" {
			continue // traffic before identification
		}

		w.mu.Lock()
		fn := w.recv
		w.mu.Unlock()
		if fn != nil {
			fn(c.peer, msg)
		}
	}
}

func (w *Websocket) writePump(c *wsConn) error {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-w.ctx.Done():
			return nil
		case <-c.done:
			return nil
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return nil
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

func (w *Websocket) register(c *wsConn) {
	w.mu.Lock()
	old := w.conns[c.peer]
	w.conns[c.peer] = c
	fn := w.onConnect
	w.mu.Unlock()

	if old != nil {
		close(old.done)
	}
	if fn != nil {
		fn(c.peer)
	}
}

func (w *Websocket) drop(c *wsConn) {
	c.conn.Close()
	if c.peer == "" {
		return
	}
	w.mu.Lock()
	current, ok := w.conns[c.peer]
	if ok && current == c {
		delete(w.conns, c.peer)
	}
	fn := w.onDisconnect
	w.mu.Unlock()

	if ok && current == c && fn != nil {
		fn(c.peer)
	}
}

// SendToPeer implements Transport.
func (w *Websocket) SendToPeer(to protocol.PlayerID, msg protocol.Payload) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	c, ok := w.conns[to]
	w.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown peer %s", to)
	}
	select {
	case c.send <- data:
	default:
		// Best effort: a stalled peer does not block the frame loop.
	}
	return nil
}

// Broadcast implements Transport.
func (w *Websocket) Broadcast(msg protocol.Payload) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	conns := make([]*wsConn, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	for _, c := range conns {
		select {
		case c.send <- data:
		default:
		}
	}
	return nil
}

// SetReceiver implements Transport.
func (w *Websocket) SetReceiver(fn func(from protocol.PlayerID, msg protocol.Payload)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recv = fn
}

// OnPeerConnected implements Transport.
func (w *Websocket) OnPeerConnected(fn func(peer protocol.PlayerID)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onConnect = fn
}

// OnPeerDisconnected implements Transport.
func (w *Websocket) OnPeerDisconnected(fn func(peer protocol.PlayerID)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDisconnect = fn
}

// Close implements Transport.
func (w *Websocket) Close() error {
	w.cancel()
	w.mu.Lock()
	for _, c := range w.conns {
		c.conn.Close()
	}
	w.conns = make(map[protocol.PlayerID]*wsConn)
	w.mu.Unlock()
	return w.group.Wait()
}
