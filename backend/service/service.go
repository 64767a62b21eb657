package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/hierchat/backend/model"
	"github.com/adwski/hierchat/backend/names"
	"github.com/adwski/hierchat/backend/storage/memory"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

const (
	defaultQueueSize       = 1024
	defaultMaxJoinAttempts = 3
	defaultRedialDelay     = 500 * time.Millisecond
	defaultRejoinGrace     = 30 * time.Second
)

var (
	ErrJoinFailed         = errors.New("unable to join room")
	ErrNoLeaderCandidates = errors.New("no leader candidates left in hierarchy")
	ErrProtocolViolation  = errors.New("protocol violation")
)

type (
	// Dialer opens outbound connections. Dial submits Open with the
	// dialed address to sink before any other event of the connection.
	Dialer interface {
		Dial(ctx context.Context, address string, sink model.EventSink) (model.Conn, error)
	}

	Store interface {
		AppendHistory(model.HistoryEntry)
		SetRoom(model.Role, *model.Room)
		History() []model.HistoryEntry
		Room() (model.Room, bool)
		Role() model.Role
	}

	Metrics interface {
		ForwardRelayed()
		SyncsSent(int)
		Failover(outcome string)
		EventHandled(name string)
		EventUnmatched()
		SetRole(model.Role)
		SetClients(int)
		SetHistory(int)
	}

	// RoleObserver is notified synchronously on every role change and
	// must not block.
	RoleObserver interface {
		RoleChanged(role model.Role, room model.Room)
	}

	Config struct {
		Logger   *zerolog.Logger
		Self     model.Peer
		Dialer   Dialer
		Store    Store
		Metrics  Metrics
		Observer RoleObserver
		RoomName func() string

		QueueSize int
		// SyncTimeout is how long a joining peer waits for Sync before
		// repeating its JoinReq. Zero disables the timer.
		SyncTimeout time.Duration
		// MaxJoinAttempts bounds JoinReq repeats on one connection.
		MaxJoinAttempts int
		// RedialDelay is the pause before dialing again a candidate admin
		// that dropped the connection.
		RedialDelay time.Duration
		// RejoinGrace is how long a peer that took over as admin keeps the
		// peers of the previous hierarchy that have not reconnected.
		// Negative keeps them forever.
		RejoinGrace time.Duration
	}

	// StateManager is the role state machine of a peer. All state is
	// mutated by Handle, which is called for one event at a time.
	StateManager struct {
		logger   zerolog.Logger
		self     model.Peer
		dialer   Dialer
		store    Store
		metrics  Metrics
		observer RoleObserver
		roomName func() string

		syncTimeout     time.Duration
		maxJoinAttempts int
		redialDelay     time.Duration
		rejoinGrace     time.Duration
		promotions      uint64

		events   chan model.Event
		done     chan struct{}
		doneOnce sync.Once

		// dialCtx bounds outbound connection attempts
		dialCtx    context.Context
		dialCancel context.CancelFunc

		state   state
		history int
		err     error
	}
)

func NewStateManager(cfg Config) *StateManager {
	sm := &StateManager{
		logger:          cfg.Logger.With().Str("component", "state").Logger(),
		self:            cfg.Self,
		dialer:          cfg.Dialer,
		store:           cfg.Store,
		metrics:         cfg.Metrics,
		observer:        cfg.Observer,
		roomName:        cfg.RoomName,
		syncTimeout:     cfg.SyncTimeout,
		maxJoinAttempts: cfg.MaxJoinAttempts,
		redialDelay:     cfg.RedialDelay,
		rejoinGrace:     cfg.RejoinGrace,
		done:            make(chan struct{}),
		state:           &initialState{},
	}
	if sm.store == nil {
		sm.store = memory.NewMemStore()
	}
	if sm.metrics == nil {
		sm.metrics = nopMetrics{}
	}
	if sm.roomName == nil {
		sm.roomName = names.Room
	}
	if sm.maxJoinAttempts <= 0 {
		sm.maxJoinAttempts = defaultMaxJoinAttempts
	}
	if sm.redialDelay <= 0 {
		sm.redialDelay = defaultRedialDelay
	}
	if sm.rejoinGrace == 0 {
		sm.rejoinGrace = defaultRejoinGrace
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	sm.events = make(chan model.Event, queueSize)
	sm.dialCtx, sm.dialCancel = context.WithCancel(context.Background())
	sm.store.SetRoom(model.RoleInitial, nil)
	sm.metrics.SetRole(model.RoleInitial)
	return sm
}

// Submit enqueues an event. It is safe for concurrent use and returns
// without enqueueing once the state machine has stopped.
func (sm *StateManager) Submit(ev model.Event) {
	select {
	case sm.events <- ev:
	case <-sm.done:
	}
}

// Run processes events until ctx is done or the peer can no longer
// take part in the room.
func (sm *StateManager) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		sm.shutdown()
		sm.logger.Debug().Msg("state machine stopped")
		wg.Done()
	}()

	sm.logger.Info().Str("self", sm.self.String()).Msg("state machine started")

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sm.events:
			sm.Handle(ev)
			if sm.err != nil {
				errc <- sm.err
				return
			}
		}
	}
}

// Handle applies a single event.
func (sm *StateManager) Handle(ev model.Event) {
	name := model.EventName(ev)
	sm.metrics.EventHandled(name)

	prev := sm.state.role()

	var matched bool
	switch st := sm.state.(type) {
	case *initialState:
		matched = sm.handleInitial(ev)
	case *connectingState:
		matched = sm.handleConnecting(st, ev)
	case *adminState:
		matched = sm.handleAdmin(st, ev)
	case *memberState:
		matched = sm.handleMember(st, ev)
	}

	if !matched {
		if isTimeout(ev) {
			// timer of a state that has been left
			sm.logger.Debug().Str("role", prev.String()).Str("event", name).Msg("ignoring stale timeout")
			return
		}
		sm.unmatched(prev, ev)
		if o, ok := ev.(model.Open); ok {
			// nobody owns the connection, do not leave it dangling
			_ = o.Conn.Close()
		}
		return
	}
	sm.publish(prev)
}

// History returns a snapshot of the messages seen by this peer.
func (sm *StateManager) History() []model.HistoryEntry {
	return sm.store.History()
}

// Peers returns a snapshot of the hierarchy if the current role holds a room.
func (sm *StateManager) Peers() (model.Hierarchy, bool) {
	room, ok := sm.store.Room()
	if !ok {
		return nil, false
	}
	return room.Hierarchy, true
}

func (sm *StateManager) Room() (model.Room, bool) {
	return sm.store.Room()
}

func (sm *StateManager) Role() model.Role {
	return sm.store.Role()
}

func (sm *StateManager) Self() model.Peer {
	return sm.self
}

// Err returns the terminal error, if any.
func (sm *StateManager) Err() error {
	return sm.err
}

func (sm *StateManager) setState(s state) {
	if sm.state != nil && sm.state != s {
		sm.state.leave()
	}
	sm.state = s
}

func (sm *StateManager) appendHistory(author model.Peer, body model.ForwardPayload) {
	sm.store.AppendHistory(model.HistoryEntry{Author: author, Body: body})
	sm.history++
	sm.metrics.SetHistory(sm.history)
}

// fail records a condition this peer cannot recover from.
func (sm *StateManager) fail(err error) {
	sm.logger.Error().Err(err).Msg("leaving room")
	sm.err = err
	sm.setState(&initialState{})
}

func (sm *StateManager) publish(prev model.Role) {
	role := sm.state.role()
	room := sm.state.room()
	sm.store.SetRoom(role, room)

	if st, ok := sm.state.(*adminState); ok {
		sm.metrics.SetClients(st.registry.Len())
	} else {
		sm.metrics.SetClients(0)
	}

	if role == prev {
		return
	}
	sm.metrics.SetRole(role)
	l := sm.logger.Info().Str("from", prev.String()).Str("to", role.String())
	if room != nil {
		l = l.Str("room", room.Name)
	}
	l.Msg("role changed")

	if sm.observer != nil {
		var r model.Room
		if room != nil {
			r = room.Clone()
		}
		sm.observer.RoleChanged(role, r)
	}
}

func (sm *StateManager) unmatched(role model.Role, ev model.Event) {
	sm.metrics.EventUnmatched()
	sm.logger.Warn().
		Str("role", role.String()).
		Str("event", model.EventName(ev)).
		Msg("no transition for event, ignoring")
	if e := sm.logger.Trace(); e.Enabled() {
		e.Str("dump", spew.Sdump(ev)).Msg("ignored event")
	}
}

func (sm *StateManager) shutdown() {
	sm.doneOnce.Do(func() {
		close(sm.done)
		sm.dialCancel()
		sm.state.leave()
		sm.state.close()
	})
}

func isTimeout(ev model.Event) bool {
	switch ev.(type) {
	case model.SyncTimeout, model.RejoinTimeout:
		return true
	}
	return false
}

type nopMetrics struct{}

func (nopMetrics) ForwardRelayed()     {}
func (nopMetrics) SyncsSent(int)       {}
func (nopMetrics) Failover(string)     {}
func (nopMetrics) EventHandled(string) {}
func (nopMetrics) EventUnmatched()     {}
func (nopMetrics) SetRole(model.Role)  {}
func (nopMetrics) SetClients(int)      {}
func (nopMetrics) SetHistory(int)      {}
