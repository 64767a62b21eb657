package _switch

import (
	"sort"

	"github.com/adwski/hierchat/backend/model"
	"github.com/rs/zerolog"
)

// Switch is the connection registry of an admin: open send handles and
// the peers that introduced themselves on them, both keyed by
// connection id. It is owned by a single goroutine and does no locking.
type Switch struct {
	logger  zerolog.Logger
	clients map[uint64]model.Conn
	peers   map[uint64]model.Peer
	order   []uint64
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger:  logger.With().Str("component", "switch").Logger(),
		clients: make(map[uint64]model.Conn),
		peers:   make(map[uint64]model.Peer),
	}
}

// Connect registers an open connection.
func (sw *Switch) Connect(conn model.Conn) {
	id := conn.ID()
	if _, ok := sw.clients[id]; !ok {
		// ids are allocated in increasing order, but keep the slice sorted
		// in case an older connection is registered late
		i := sort.Search(len(sw.order), func(i int) bool { return sw.order[i] >= id })
		sw.order = append(sw.order, 0)
		copy(sw.order[i+1:], sw.order[i:])
		sw.order[i] = id
	}
	sw.clients[id] = conn
	sw.logger.Debug().Uint64("conn", id).Int("clients", len(sw.clients)).Msg("endpoint connected")
}

// Bind records the peer that announced itself on connection id.
func (sw *Switch) Bind(id uint64, peer model.Peer) {
	sw.peers[id] = peer
}

// Disconnect removes the connection and returns the peer bound to it.
func (sw *Switch) Disconnect(id uint64) (model.Peer, bool) {
	peer, bound := sw.peers[id]
	delete(sw.peers, id)
	if _, ok := sw.clients[id]; ok {
		delete(sw.clients, id)
		i := sort.Search(len(sw.order), func(i int) bool { return sw.order[i] >= id })
		sw.order = append(sw.order[:i], sw.order[i+1:]...)
	}
	sw.logger.Debug().
		Uint64("conn", id).
		Bool("bound", bound).
		Int("clients", len(sw.clients)).
		Msg("endpoint disconnected")
	return peer, bound
}

func (sw *Switch) Has(id uint64) bool {
	_, ok := sw.clients[id]
	return ok
}

func (sw *Switch) Peer(id uint64) (model.Peer, bool) {
	p, ok := sw.peers[id]
	return p, ok
}

// IsBound reports whether peer is bound to any connection.
func (sw *Switch) IsBound(peer model.Peer) bool {
	for _, p := range sw.peers {
		if p == peer {
			return true
		}
	}
	return false
}

func (sw *Switch) Len() int {
	return len(sw.clients)
}

// SendTo delivers msg to a single connection.
func (sw *Switch) SendTo(id uint64, msg model.Message) bool {
	conn, ok := sw.clients[id]
	if !ok {
		sw.logger.Debug().Uint64("dst", id).Msg("cannot forward, dst not found")
		return false
	}
	return sw.send(conn, msg)
}

// Broadcast delivers msg to every connection in connection order and
// returns the number of successful sends.
func (sw *Switch) Broadcast(msg model.Message) int {
	var sent int
	for _, id := range sw.order {
		if sw.send(sw.clients[id], msg) {
			sent++
		}
	}
	if sent == 0 && len(sw.order) > 0 {
		sw.logger.Debug().
			Str("type", model.PayloadKind(msg.Payload)).
			Msg("broadcast did not reach anyone")
	}
	return sent
}

// CloseAll closes every registered connection. Registry entries stay in
// place until the matching Closed events arrive.
func (sw *Switch) CloseAll() {
	for _, id := range sw.order {
		if err := sw.clients[id].Close(); err != nil {
			sw.logger.Error().Err(err).Uint64("conn", id).Msg("failed to close connection")
		}
	}
}

func (sw *Switch) send(conn model.Conn, msg model.Message) bool {
	if err := conn.Send(msg); err != nil {
		sw.logger.Error().
			Err(err).
			Uint64("dst", conn.ID()).
			Str("type", model.PayloadKind(msg.Payload)).
			Msg("dead endpoint")
		return false
	}
	sw.logger.Trace().
		Uint64("dst", conn.ID()).
		Str("type", model.PayloadKind(msg.Payload)).
		Msg("message is forwarded")
	return true
}
