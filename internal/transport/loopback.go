package transport

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/andersfylling/rollplay/internal/protocol"
)

// Hub wires loopback transports together in process. Links can delay
// messages by a number of hops and drop them at a seeded rate, so
// tests and the demo get deterministic network behavior.
type Hub struct {
	mu      sync.Mutex
	peers   map[protocol.PlayerID]*Loopback
	pending []delivery
	rng     *rand.Rand
	loss    float64
	hops    int
}

type delivery struct {
	env  Envelope
	to   protocol.PlayerID
	hops int
}

// NewHub creates a hub. The seed drives the loss decisions.
func NewHub(seed int64) *Hub {
	return &Hub{
		peers: make(map[protocol.PlayerID]*Loopback),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// SetLink configures the simulated link: a drop probability and a
// delivery delay in hops (one hop is released per Step).
func (h *Hub) SetLink(loss float64, hops int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loss = loss
	h.hops = hops
}

// Attach creates a transport endpoint for a peer.
func (h *Hub) Attach(id protocol.PlayerID) *Loopback {
	h.mu.Lock()
	defer h.mu.Unlock()
	lb := &Loopback{hub: h, id: id}
	h.peers[id] = lb

	for otherID, other := range h.peers {
		if otherID == id {
			continue
		}
		if other.onConnect != nil {
			other.onConnect(id)
		}
	}
	return lb
}

// Detach removes a peer and notifies the others, simulating a
// disconnect.
func (h *Hub) Detach(id protocol.PlayerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, id)
	for _, other := range h.peers {
		if other.onDisconnect != nil {
			other.onDisconnect(id)
		}
	}
}

// Step releases one hop of delayed traffic. Call once per tick when a
// delay is configured; with zero hops delivery is synchronous and
// Step is a no-op.
func (h *Hub) Step() {
	h.mu.Lock()
	var due []delivery
	kept := h.pending[:0]
	for _, d := range h.pending {
		d.hops--
		if d.hops <= 0 {
			due = append(due, d)
		} else {
			kept = append(kept, d)
		}
	}
	h.pending = kept
	h.mu.Unlock()

	for _, d := range due {
		h.deliver(d.to, d.env)
	}
}

// route pushes a message toward a peer through the simulated link.
// The payload round-trips through the wire codec so the loopback
// exercises the same encoding as a real transport.
func (h *Hub) route(from, to protocol.PlayerID, msg protocol.Payload) error {
	buf, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	decoded, err := protocol.Unmarshal(buf)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if _, ok := h.peers[to]; !ok {
		h.mu.Unlock()
		return errors.Errorf("unknown peer %s", to)
	}
	if h.loss > 0 && h.rng.Float64() < h.loss {
		h.mu.Unlock()
		return nil // best effort: silently dropped
	}
	if h.hops > 0 {
		h.pending = append(h.pending, delivery{
			env:  Envelope{From: from, Msg: decoded},
			to:   to,
			hops: h.hops,
		})
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	h.deliver(to, Envelope{From: from, Msg: decoded})
	return nil
}

func (h *Hub) deliver(to protocol.PlayerID, env Envelope) {
	h.mu.Lock()
	peer, ok := h.peers[to]
	h.mu.Unlock()
	if !ok {
		return
	}
	if fn := peer.receiver(); fn != nil {
		fn(env.From, env.Msg)
	}
}

// Loopback is one endpoint on a Hub.
type Loopback struct {
	hub *Hub
	id  protocol.PlayerID

	mu           sync.Mutex
	recv         func(from protocol.PlayerID, msg protocol.Payload)
	onConnect    func(peer protocol.PlayerID)
	onDisconnect func(peer protocol.PlayerID)
}

// SendToPeer implements Transport.
func (l *Loopback) SendToPeer(to protocol.PlayerID, msg protocol.Payload) error {
	return l.hub.route(l.id, to, msg)
}

// Broadcast implements Transport.
func (l *Loopback) Broadcast(msg protocol.Payload) error {
	l.hub.mu.Lock()
	ids := make([]protocol.PlayerID, 0, len(l.hub.peers))
	for id := range l.hub.peers {
		if id != l.id {
			ids = append(ids, id)
		}
	}
	l.hub.mu.Unlock()

	for _, id := range ids {
		if err := l.hub.route(l.id, id, msg); err != nil {
			return err
		}
	}
	return nil
}

// SetReceiver implements Transport.
func (l *Loopback) SetReceiver(fn func(from protocol.PlayerID, msg protocol.Payload)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recv = fn
}

func (l *Loopback) receiver() func(from protocol.PlayerID, msg protocol.Payload) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recv
}

// OnPeerConnected implements Transport.
func (l *Loopback) OnPeerConnected(fn func(peer protocol.PlayerID)) {
	l.onConnect = fn
}

// OnPeerDisconnected implements Transport.
func (l *Loopback) OnPeerDisconnected(fn func(peer protocol.PlayerID)) {
	l.onDisconnect = fn
}

// Close implements Transport.
func (l *Loopback) Close() error {
	l.hub.Detach(l.id)
	return nil
}
