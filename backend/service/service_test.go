package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adwski/hierchat/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	peerA = model.Peer{Username: "alice", Address: "ws://10.0.0.1:5432"}
	peerB = model.Peer{Username: "bob", Address: "ws://10.0.0.2:5432"}
	peerC = model.Peer{Username: "carol", Address: "ws://10.0.0.3:5432"}
)

type fakeConn struct {
	id     uint64
	mx     sync.Mutex
	sent   []model.Message
	closed bool
}

func (c *fakeConn) ID() uint64 { return c.id }

func (c *fakeConn) Send(msg model.Message) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Sent() []model.Message {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]model.Message(nil), c.sent...)
}

func (c *fakeConn) Closed() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.closed
}

type fakeDialer struct {
	seq   atomic.Uint64
	fail  map[string]error
	dials chan string
}

func newFakeDialer() *fakeDialer {
	d := &fakeDialer{
		fail:  make(map[string]error),
		dials: make(chan string, 16),
	}
	d.seq.Store(100)
	return d
}

func (d *fakeDialer) Dial(_ context.Context, address string, sink model.EventSink) (model.Conn, error) {
	d.dials <- address
	if err := d.fail[address]; err != nil {
		return nil, err
	}
	c := &fakeConn{id: d.seq.Add(1)}
	sink.Submit(model.Open{Conn: c, Address: address})
	return c, nil
}

type roleRecorder struct {
	mx    sync.Mutex
	roles []model.Role
}

func (r *roleRecorder) RoleChanged(role model.Role, _ model.Room) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.roles = append(r.roles, role)
}

func newTestManager(self model.Peer, dialer Dialer) *StateManager {
	logger := zerolog.Nop()
	return NewStateManager(Config{
		Logger:      &logger,
		Self:        self,
		Dialer:      dialer,
		RoomName:    func() string { return "test-room" },
		RedialDelay: time.Millisecond,
	})
}

// nextEvent takes the next queued event without handling it.
func nextEvent(t *testing.T, sm *StateManager) model.Event {
	t.Helper()
	select {
	case ev := <-sm.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event was queued")
		return nil
	}
}

func nextDial(t *testing.T, d *fakeDialer) string {
	t.Helper()
	select {
	case addr := <-d.dials:
		return addr
	case <-time.After(time.Second):
		t.Fatal("nothing was dialed")
		return ""
	}
}

func makeMember(sm *StateManager, room model.Room, admin model.Conn) {
	sm.setState(&memberState{rm: room, admin: admin})
	sm.publish(model.RoleInitial)
}

func threePeerRoom() model.Room {
	return model.Room{
		Name:      "test-room",
		Hierarchy: model.Hierarchy{peerA, peerB, peerC},
		Version:   3,
	}
}

func TestStateManager_StartRoom(t *testing.T) {
	rec := &roleRecorder{}
	logger := zerolog.Nop()
	sm := NewStateManager(Config{
		Logger:   &logger,
		Self:     peerA,
		Observer: rec,
		RoomName: func() string { return "quiet-fox-runs" },
	})

	sm.Handle(model.StartRoom{})

	assert.Equal(t, model.RoleAdmin, sm.Role())
	room, ok := sm.Room()
	require.True(t, ok)
	assert.Equal(t, "quiet-fox-runs", room.Name)
	assert.Equal(t, model.Hierarchy{peerA}, room.Hierarchy)
	assert.Equal(t, uint64(1), room.Version)
	assert.Equal(t, []model.Role{model.RoleAdmin}, rec.roles)
}

func TestStateManager_AdminAcceptsJoin(t *testing.T) {
	sm := newTestManager(peerA, nil)
	sm.Handle(model.StartRoom{})

	joiner, bystander := &fakeConn{id: 7}, &fakeConn{id: 8}
	sm.Handle(model.Open{Conn: bystander})
	sm.Handle(model.Open{Conn: joiner})
	sm.Handle(model.Received{
		ConnID:  7,
		Message: model.Message{Payload: model.JoinReq{Peer: peerB}},
	})

	peers, ok := sm.Peers()
	require.True(t, ok)
	assert.Equal(t, model.Hierarchy{peerA, peerB}, peers)

	sent := joiner.Sent()
	require.Len(t, sent, 1)
	snap, ok := sent[0].Payload.(model.Sync)
	require.True(t, ok)
	assert.Equal(t, model.Hierarchy{peerA, peerB}, snap.Room.Hierarchy)
	assert.Equal(t, "test-room", snap.Room.Name)

	assert.Empty(t, bystander.Sent())

	st := sm.state.(*adminState)
	p, bound := st.registry.Peer(7)
	assert.True(t, bound)
	assert.Equal(t, peerB, p)
}

func TestStateManager_AdminRejoinIsIdempotent(t *testing.T) {
	sm := newTestManager(peerA, nil)
	sm.Handle(model.StartRoom{})

	sm.Handle(model.Open{Conn: &fakeConn{id: 1}})
	sm.Handle(model.Received{ConnID: 1, Message: model.Message{Payload: model.JoinReq{Peer: peerB}}})
	sm.Handle(model.Open{Conn: &fakeConn{id: 2}})
	sm.Handle(model.Received{ConnID: 2, Message: model.Message{Payload: model.JoinReq{Peer: peerB}}})

	peers, _ := sm.Peers()
	assert.Equal(t, model.Hierarchy{peerA, peerB}, peers)

	// the stale connection goes away, bob is still connected on 2
	sm.Handle(model.Closed{ConnID: 1})
	peers, _ = sm.Peers()
	assert.Equal(t, model.Hierarchy{peerA, peerB}, peers)

	sm.Handle(model.Closed{ConnID: 2})
	peers, _ = sm.Peers()
	assert.Equal(t, model.Hierarchy{peerA}, peers)
}

func TestStateManager_AdminBroadcast(t *testing.T) {
	sm := newTestManager(peerA, nil)
	sm.Handle(model.StartRoom{})

	conns := []*fakeConn{{id: 1}, {id: 2}, {id: 3}}
	for _, c := range conns {
		sm.Handle(model.Open{Conn: c})
	}

	fwd := model.Message{Payload: model.Forward{Author: peerB, Body: model.Text("hello")}}
	sm.Handle(model.Received{ConnID: 2, Message: fwd})

	for _, c := range conns {
		assert.Equal(t, []model.Message{fwd}, c.Sent(), "conn %d", c.id)
	}
	assert.Equal(t, []model.HistoryEntry{{Author: peerB, Body: model.Text("hello")}}, sm.History())
}

func TestStateManager_AdminClientLeaves(t *testing.T) {
	sm := newTestManager(peerA, nil)
	sm.Handle(model.StartRoom{})

	b, c := &fakeConn{id: 1}, &fakeConn{id: 2}
	sm.Handle(model.Open{Conn: b})
	sm.Handle(model.Received{ConnID: 1, Message: model.Message{Payload: model.JoinReq{Peer: peerB}}})
	sm.Handle(model.Open{Conn: c})
	sm.Handle(model.Received{ConnID: 2, Message: model.Message{Payload: model.JoinReq{Peer: peerC}}})
	before, _ := sm.Room()

	sm.Handle(model.Closed{ConnID: 1})

	room, _ := sm.Room()
	assert.Equal(t, model.Hierarchy{peerA, peerC}, room.Hierarchy)
	assert.Greater(t, room.Version, before.Version)

	sent := c.Sent()
	require.Len(t, sent, 2)
	snap, ok := sent[1].Payload.(model.Sync)
	require.True(t, ok)
	assert.Equal(t, room, snap.Room)
}

func TestStateManager_AdminIgnoresUnregisteredConn(t *testing.T) {
	sm := newTestManager(peerA, nil)
	sm.Handle(model.StartRoom{})

	sm.Handle(model.Received{ConnID: 42, Message: model.Message{Payload: model.JoinReq{Peer: peerB}}})
	sm.Handle(model.Closed{ConnID: 42})

	peers, _ := sm.Peers()
	assert.Equal(t, model.Hierarchy{peerA}, peers)
}

func TestStateManager_MemberResync(t *testing.T) {
	sm := newTestManager(peerB, nil)
	admin := &fakeConn{id: 1}
	makeMember(sm, threePeerRoom(), admin)

	next := model.Room{
		Name:      "test-room",
		Hierarchy: model.Hierarchy{peerA, peerB},
		Version:   4,
	}
	sm.Handle(model.Received{ConnID: 1, Message: model.Message{Payload: model.Sync{Room: next}}})

	room, ok := sm.Room()
	require.True(t, ok)
	assert.Equal(t, next, room)
	assert.Equal(t, model.RoleMember, sm.Role())
}

func TestStateManager_MemberRecordsForward(t *testing.T) {
	sm := newTestManager(peerB, nil)
	admin := &fakeConn{id: 1}
	makeMember(sm, threePeerRoom(), admin)

	sm.Handle(model.Received{ConnID: 1, Message: model.Message{Payload: model.Forward{
		Author: peerC,
		Body:   model.Notification("carol waves"),
	}}})

	assert.Equal(t, []model.HistoryEntry{{Author: peerC, Body: model.Notification("carol waves")}}, sm.History())
	assert.Empty(t, admin.Sent())
}

func TestStateManager_Join(t *testing.T) {
	d := newFakeDialer()
	sm := newTestManager(peerB, d)

	sm.Handle(model.JoinSend{Address: peerA.Address})
	assert.Equal(t, peerA.Address, nextDial(t, d))

	open, ok := nextEvent(t, sm).(model.Open)
	require.True(t, ok)
	sm.Handle(open)
	assert.Equal(t, model.RoleConnecting, sm.Role())

	conn := open.Conn.(*fakeConn)
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, model.Message{Payload: model.JoinReq{Peer: peerB}}, conn.Sent()[0])

	room := model.Room{Name: "test-room", Hierarchy: model.Hierarchy{peerA, peerB}, Version: 2}
	sm.Handle(model.Received{ConnID: conn.ID(), Message: model.Message{Payload: model.Sync{Room: room}}})

	assert.Equal(t, model.RoleMember, sm.Role())
	got, _ := sm.Room()
	assert.Equal(t, room, got)
}

func TestStateManager_JoinFails(t *testing.T) {
	d := newFakeDialer()
	d.fail[peerA.Address] = errors.New("connection refused")
	sm := newTestManager(peerB, d)

	sm.Handle(model.JoinSend{Address: peerA.Address})
	sm.Handle(nextEvent(t, sm))

	assert.ErrorIs(t, sm.Err(), ErrJoinFailed)
	assert.Equal(t, model.RoleInitial, sm.Role())
}

func TestStateManager_ConnectingIgnoresViolation(t *testing.T) {
	sm := newTestManager(peerB, nil)
	conn := &fakeConn{id: 5}
	sm.Handle(model.Open{Conn: conn, Address: peerA.Address})

	sm.Handle(model.Received{ConnID: 5, Message: model.Message{Payload: model.Forward{
		Author: peerA,
		Body:   model.Text("too early"),
	}}})

	assert.Equal(t, model.RoleConnecting, sm.Role())
	assert.Empty(t, sm.History())
	assert.NoError(t, sm.Err())
}

func TestStateManager_FailoverDeterminism(t *testing.T) {
	t.Run("next in line takes over", func(t *testing.T) {
		sm := newTestManager(peerB, newFakeDialer())
		makeMember(sm, threePeerRoom(), &fakeConn{id: 1})

		sm.Handle(model.Closed{ConnID: 1})

		assert.Equal(t, model.RoleAdmin, sm.Role())
		room, _ := sm.Room()
		assert.Equal(t, model.Hierarchy{peerB, peerC}, room.Hierarchy)
		assert.Equal(t, uint64(4), room.Version)
	})

	t.Run("others reconnect to next in line", func(t *testing.T) {
		d := newFakeDialer()
		sm := newTestManager(peerC, d)
		makeMember(sm, threePeerRoom(), &fakeConn{id: 1})

		sm.Handle(model.Closed{ConnID: 1})

		assert.Equal(t, model.RoleConnecting, sm.Role())
		assert.Equal(t, peerB.Address, nextDial(t, d))

		open, ok := nextEvent(t, sm).(model.Open)
		require.True(t, ok)
		assert.Equal(t, peerB.Address, open.Address)
		sm.Handle(open)

		st := sm.state.(*connectingState)
		assert.Equal(t, open.Conn, st.admin)
		require.NotNil(t, st.prev)
		assert.Equal(t, model.Hierarchy{peerB, peerC}, st.prev.Hierarchy)
	})

	t.Run("connection to a non admin does not trigger failover", func(t *testing.T) {
		sm := newTestManager(peerB, nil)
		makeMember(sm, threePeerRoom(), &fakeConn{id: 1})

		sm.Handle(model.Closed{ConnID: 99})

		assert.Equal(t, model.RoleMember, sm.Role())
	})
}

func TestStateManager_FailoverSkipsUnreachableCandidate(t *testing.T) {
	d := newFakeDialer()
	d.fail[peerB.Address] = errors.New("no route to host")
	sm := newTestManager(peerC, d)
	makeMember(sm, threePeerRoom(), &fakeConn{id: 1})

	sm.Handle(model.Closed{ConnID: 1})
	assert.Equal(t, peerB.Address, nextDial(t, d))

	failed, ok := nextEvent(t, sm).(model.ConnectFailed)
	require.True(t, ok)
	sm.Handle(failed)

	assert.Equal(t, model.RoleAdmin, sm.Role())
	room, _ := sm.Room()
	assert.Equal(t, model.Hierarchy{peerC}, room.Hierarchy)
}

func TestStateManager_FailoverRedialsCandidate(t *testing.T) {
	d := newFakeDialer()
	sm := newTestManager(peerC, d)
	makeMember(sm, threePeerRoom(), &fakeConn{id: 1})

	sm.Handle(model.Closed{ConnID: 1})

	// bob has not noticed alice is gone and drops every connection
	for i := 0; i < 3*defaultMaxJoinAttempts; i++ {
		require.Equal(t, peerB.Address, nextDial(t, d))
		open := nextEvent(t, sm).(model.Open)
		sm.Handle(open)
		sm.Handle(model.Closed{ConnID: open.Conn.ID()})
		require.Equal(t, model.RoleConnecting, sm.Role())
	}

	// bob took over
	assert.Equal(t, peerB.Address, nextDial(t, d))
	open := nextEvent(t, sm).(model.Open)
	sm.Handle(open)
	room := model.Room{Name: "test-room", Hierarchy: model.Hierarchy{peerB, peerC}, Version: 4}
	sm.Handle(model.Received{ConnID: open.Conn.ID(), Message: model.Message{Payload: model.Sync{Room: room}}})

	assert.Equal(t, model.RoleMember, sm.Role())
	got, _ := sm.Room()
	assert.Equal(t, room, got)
}

func TestStateManager_FailoverElectsSingleAdmin(t *testing.T) {
	d := newFakeDialer()
	bob := newTestManager(peerB, nil)
	carol := newTestManager(peerC, d)
	makeMember(bob, threePeerRoom(), &fakeConn{id: 1})
	makeMember(carol, threePeerRoom(), &fakeConn{id: 1})

	// link hands the next connection dialed by carol to bob
	link := func() (model.Open, *fakeConn) {
		t.Helper()
		require.Equal(t, peerB.Address, nextDial(t, d))
		client := nextEvent(t, carol).(model.Open)
		server := &fakeConn{id: client.Conn.ID() + 1000}
		carol.Handle(client)
		bob.Handle(model.Open{Conn: server})
		return client, server
	}

	// carol notices alice is gone long before bob does
	carol.Handle(model.Closed{ConnID: 1})
	for i := 0; i < 2*defaultMaxJoinAttempts; i++ {
		client, server := link()
		require.True(t, server.Closed())
		carol.Handle(model.Closed{ConnID: client.Conn.ID()})
		require.Equal(t, model.RoleConnecting, carol.Role())
	}

	bob.Handle(model.Closed{ConnID: 1})
	require.Equal(t, model.RoleAdmin, bob.Role())

	client, server := link()
	require.False(t, server.Closed())
	bob.Handle(model.Received{ConnID: server.ID(), Message: model.Message{Payload: model.JoinReq{Peer: peerC}}})
	sent := server.Sent()
	require.Len(t, sent, 1)
	carol.Handle(model.Received{ConnID: client.Conn.ID(), Message: sent[0]})

	assert.Equal(t, model.RoleAdmin, bob.Role())
	assert.Equal(t, model.RoleMember, carol.Role())
	bobRoom, _ := bob.Room()
	carolRoom, _ := carol.Room()
	assert.Equal(t, model.Hierarchy{peerB, peerC}, carolRoom.Hierarchy)
	assert.Equal(t, bobRoom, carolRoom)
}

func TestStateManager_FailoverExhausted(t *testing.T) {
	sm := newTestManager(peerB, nil)
	makeMember(sm, model.Room{Name: "test-room", Hierarchy: model.Hierarchy{peerA}}, &fakeConn{id: 1})

	sm.Handle(model.Closed{ConnID: 1})

	assert.ErrorIs(t, sm.Err(), ErrNoLeaderCandidates)
	assert.Equal(t, model.RoleInitial, sm.Role())
	_, ok := sm.Room()
	assert.False(t, ok)
}

func TestStateManager_SyncTimeoutRetries(t *testing.T) {
	sm := newTestManager(peerC, nil)
	conn := &fakeConn{id: 5}
	sm.Handle(model.Open{Conn: conn, Address: peerB.Address})

	for i := 1; i < defaultMaxJoinAttempts; i++ {
		sm.Handle(model.SyncTimeout{ConnID: 5})
	}
	assert.Len(t, conn.Sent(), defaultMaxJoinAttempts-1)
	for _, msg := range conn.Sent() {
		assert.Equal(t, model.JoinReq{Peer: peerC}, msg.Payload)
	}
	assert.False(t, conn.Closed())

	sm.Handle(model.SyncTimeout{ConnID: 5})
	assert.True(t, conn.Closed())
	assert.Equal(t, model.RoleConnecting, sm.Role())

	// stale timer of another connection
	sm.Handle(model.SyncTimeout{ConnID: 6})
	assert.Len(t, conn.Sent(), defaultMaxJoinAttempts-1)
}

type countingMetrics struct {
	nopMetrics
	unmatched atomic.Int64
}

func (m *countingMetrics) EventUnmatched() { m.unmatched.Add(1) }

func TestStateManager_SyncTimerStopsOnJoin(t *testing.T) {
	logger := zerolog.Nop()
	m := &countingMetrics{}
	sm := NewStateManager(Config{
		Logger:      &logger,
		Self:        peerC,
		Metrics:     m,
		SyncTimeout: 20 * time.Millisecond,
	})
	conn := &fakeConn{id: 5}
	sm.Handle(model.Open{Conn: conn, Address: peerB.Address})
	sm.Handle(model.Received{ConnID: 5, Message: model.Message{Payload: model.Sync{Room: threePeerRoom()}}})
	require.Equal(t, model.RoleMember, sm.Role())

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, sm.events)

	// fired right before the Sync was handled
	sm.Handle(model.SyncTimeout{ConnID: 5})
	assert.Equal(t, model.RoleMember, sm.Role())
	assert.Zero(t, m.unmatched.Load())

	sm.Handle(model.StartRoom{})
	assert.Equal(t, int64(1), m.unmatched.Load())
}

func TestStateManager_PromotedAdminPrunesAbsentPeers(t *testing.T) {
	peerD := model.Peer{Username: "dave", Address: "ws://10.0.0.4:5432"}
	logger := zerolog.Nop()
	sm := NewStateManager(Config{
		Logger:      &logger,
		Self:        peerB,
		RejoinGrace: 20 * time.Millisecond,
	})
	room := threePeerRoom()
	room.Hierarchy.Push(peerD)
	makeMember(sm, room, &fakeConn{id: 1})

	sm.Handle(model.Closed{ConnID: 1})
	require.Equal(t, model.RoleAdmin, sm.Role())

	carol := &fakeConn{id: 2}
	sm.Handle(model.Open{Conn: carol})
	sm.Handle(model.Received{ConnID: 2, Message: model.Message{Payload: model.JoinReq{Peer: peerC}}})
	got, _ := sm.Room()
	assert.Equal(t, model.Hierarchy{peerB, peerC, peerD}, got.Hierarchy)

	timeout, ok := nextEvent(t, sm).(model.RejoinTimeout)
	require.True(t, ok)
	sm.Handle(timeout)

	got, _ = sm.Room()
	assert.Equal(t, model.Hierarchy{peerB, peerC}, got.Hierarchy)
	assert.Equal(t, uint64(5), got.Version)
	sent := carol.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, model.Sync{Room: got}, sent[1].Payload)

	// only one grace period per takeover
	sm.Handle(timeout)
	again, _ := sm.Room()
	assert.Equal(t, got, again)
}

func TestStateManager_StartedRoomHasNoGracePeriod(t *testing.T) {
	sm := newTestManager(peerA, nil)
	sm.Handle(model.StartRoom{})

	st := sm.state.(*adminState)
	assert.Zero(t, st.round)
	assert.Nil(t, st.rejoin)
}

func TestStateManager_Submit(t *testing.T) {
	t.Run("admin", func(t *testing.T) {
		sm := newTestManager(peerA, nil)
		sm.Handle(model.StartRoom{})
		client := &fakeConn{id: 1}
		sm.Handle(model.Open{Conn: client})

		sm.Handle(model.SubmitMessage{Payload: model.Text("hi all")})

		want := model.Message{Payload: model.Forward{Author: peerA, Body: model.Text("hi all")}}
		assert.Equal(t, []model.Message{want}, client.Sent())
		assert.Equal(t, []model.HistoryEntry{{Author: peerA, Body: model.Text("hi all")}}, sm.History())
	})

	t.Run("member", func(t *testing.T) {
		sm := newTestManager(peerB, nil)
		admin := &fakeConn{id: 1}
		makeMember(sm, threePeerRoom(), admin)

		sm.Handle(model.SubmitMessage{Payload: model.Notification("bob nods")})

		want := model.Message{Payload: model.Forward{Author: peerB, Body: model.Notification("bob nods")}}
		assert.Equal(t, []model.Message{want}, admin.Sent())
		// recorded once the admin echoes it back
		assert.Empty(t, sm.History())
	})
}

func TestStateManager_UnmatchedEventsLeaveStateUnchanged(t *testing.T) {
	dump := spew.ConfigState{DisablePointerAddresses: true, SortKeys: true, Indent: " "}

	tests := []struct {
		name  string
		setup func(sm *StateManager)
		ev    model.Event
	}{
		{
			name:  "initial received",
			setup: func(*StateManager) {},
			ev:    model.Received{ConnID: 1, Message: model.Message{Payload: model.JoinReq{Peer: peerB}}},
		},
		{
			name:  "initial closed",
			setup: func(*StateManager) {},
			ev:    model.Closed{ConnID: 1},
		},
		{
			name:  "initial inbound open",
			setup: func(*StateManager) {},
			ev:    model.Open{Conn: &fakeConn{id: 3}},
		},
		{
			name:  "admin join send",
			setup: func(sm *StateManager) { sm.Handle(model.StartRoom{}) },
			ev:    model.JoinSend{Address: peerB.Address},
		},
		{
			name:  "admin start room",
			setup: func(sm *StateManager) { sm.Handle(model.StartRoom{}) },
			ev:    model.StartRoom{},
		},
		{
			name:  "admin sync from client",
			setup: func(sm *StateManager) { sm.Handle(model.StartRoom{}) },
			ev:    model.Received{ConnID: 1, Message: model.Message{Payload: model.Sync{Room: threePeerRoom()}}},
		},
		{
			name:  "member start room",
			setup: func(sm *StateManager) { makeMember(sm, threePeerRoom(), &fakeConn{id: 1}) },
			ev:    model.StartRoom{},
		},
		{
			name:  "member join request",
			setup: func(sm *StateManager) { makeMember(sm, threePeerRoom(), &fakeConn{id: 1}) },
			ev:    model.Received{ConnID: 1, Message: model.Message{Payload: model.JoinReq{Peer: peerC}}},
		},
		{
			name:  "member message from stranger",
			setup: func(sm *StateManager) { makeMember(sm, threePeerRoom(), &fakeConn{id: 1}) },
			ev:    model.Received{ConnID: 2, Message: model.Message{Payload: model.Sync{}}},
		},
		{
			name: "connecting submit",
			setup: func(sm *StateManager) {
				sm.Handle(model.Open{Conn: &fakeConn{id: 1}, Address: peerA.Address})
			},
			ev: model.SubmitMessage{Payload: model.Text("hi")},
		},
		{
			name:  "empty submit",
			setup: func(sm *StateManager) { sm.Handle(model.StartRoom{}) },
			ev:    model.SubmitMessage{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := newTestManager(peerB, nil)
			tt.setup(sm)
			before := dump.Sdump(sm.state, sm.History())
			role := sm.Role()

			sm.Handle(tt.ev)

			assert.Equal(t, before, dump.Sdump(sm.state, sm.History()))
			assert.Equal(t, role, sm.Role())
			assert.NoError(t, sm.Err())
		})
	}
}

func TestStateManager_Run(t *testing.T) {
	t.Run("stops on context cancel", func(t *testing.T) {
		sm := newTestManager(peerA, nil)
		ctx, cancel := context.WithCancel(context.Background())
		wg := &sync.WaitGroup{}
		errc := make(chan error, 1)

		wg.Add(1)
		go sm.Run(ctx, wg, errc)

		client := &fakeConn{id: 1}
		sm.Submit(model.StartRoom{})
		sm.Submit(model.Open{Conn: client})
		require.Eventually(t, func() bool { return sm.Role() == model.RoleAdmin }, time.Second, time.Millisecond)

		cancel()
		wg.Wait()
		assert.Empty(t, errc)
		assert.Eventually(t, client.Closed, time.Second, time.Millisecond)

		// must not block once stopped
		sm.Submit(model.StartRoom{})
	})

	t.Run("reports terminal error", func(t *testing.T) {
		sm := newTestManager(peerB, nil)
		wg := &sync.WaitGroup{}
		errc := make(chan error, 1)

		wg.Add(1)
		go sm.Run(context.Background(), wg, errc)
		sm.Submit(model.ConnectFailed{Address: peerA.Address, Err: errors.New("refused")})

		select {
		case err := <-errc:
			assert.ErrorIs(t, err, ErrJoinFailed)
		case <-time.After(time.Second):
			t.Fatal("no error reported")
		}
		wg.Wait()
	})
}
