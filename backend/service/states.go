package service

import (
	"time"

	"github.com/adwski/hierchat/backend/model"
	sw "github.com/adwski/hierchat/backend/switch"
)

type state interface {
	role() model.Role
	// room returns the room held in this state, nil if there is none.
	room() *model.Room
	// close releases connections owned by the state.
	close()
	// leave stops timers started by the state.
	leave()
}

type initialState struct{}

// connectingState waits for a Sync from a candidate admin. admin is nil
// while the connection to address is being dialed. prev is the room we
// were a member of when connecting as part of a failover.
type connectingState struct {
	address  string
	admin    model.Conn
	prev     *model.Room
	attempts int // join requests sent on admin
	redials  int
	timer    *time.Timer
}

// adminState of a peer that took over in a failover has a round and a
// rejoin timer, after which peers that did not come back are dropped.
type adminState struct {
	rm       model.Room
	registry *sw.Switch
	round    uint64
	rejoin   *time.Timer
}

type memberState struct {
	rm    model.Room
	admin model.Conn
}

func (*initialState) role() model.Role    { return model.RoleInitial }
func (*connectingState) role() model.Role { return model.RoleConnecting }
func (*adminState) role() model.Role      { return model.RoleAdmin }
func (*memberState) role() model.Role     { return model.RoleMember }

func (*initialState) room() *model.Room    { return nil }
func (*connectingState) room() *model.Room { return nil }
func (s *adminState) room() *model.Room    { return &s.rm }
func (s *memberState) room() *model.Room   { return &s.rm }

func (*initialState) close() {}

func (s *connectingState) close() {
	if s.admin != nil {
		_ = s.admin.Close()
	}
}

func (s *adminState) close() {
	s.registry.CloseAll()
}

func (s *memberState) close() {
	_ = s.admin.Close()
}

func (*initialState) leave() {}
func (*memberState) leave()  {}

func (s *connectingState) leave() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *adminState) leave() {
	if s.rejoin != nil {
		s.rejoin.Stop()
		s.rejoin = nil
	}
}

func (s *connectingState) isCandidate(connID uint64) bool {
	return s.admin != nil && s.admin.ID() == connID
}
