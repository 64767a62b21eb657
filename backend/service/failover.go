package service

import (
	"errors"
	"time"

	"github.com/adwski/hierchat/backend/metrics"
	"github.com/adwski/hierchat/backend/model"
)

// failover elects the successor of the front of room's hierarchy, which
// is known to be unreachable. The hierarchy order decides: if the next
// peer is self, self becomes admin, otherwise self joins the next peer.
func (sm *StateManager) failover(room model.Room) {
	room = room.Clone()
	failed, _ := room.Hierarchy.Leader()

	next, ok := room.Hierarchy.NextLeader()
	if !ok {
		sm.metrics.Failover(metrics.FailoverExhausted)
		sm.fail(ErrNoLeaderCandidates)
		return
	}

	l := sm.logger.Info().
		Str("failed", failed.String()).
		Str("next", next.String()).
		Str("room", room.Name)

	if next == sm.self {
		room.Version++
		sm.metrics.Failover(metrics.FailoverPromoted)
		l.Msg("taking over as admin")
		st := sm.newAdmin(room)
		sm.armRejoinGrace(st)
		sm.setState(st)
		return
	}

	sm.metrics.Failover(metrics.FailoverReconnect)
	l.Msg("reconnecting to next admin")
	sm.setState(&connectingState{address: next.Address, prev: &room})
	sm.connect(next.Address, 0)
}

// candidateLost handles a candidate admin that went away before it sent
// a Sync. cause is nil if a connection had been established.
//
// Without a previous room this was the initial join, which has failed.
// During a failover a candidate that accepted and then dropped the
// connection is alive but has not taken over yet. It is dialed again
// until it answers or can no longer be dialed. Only a candidate that
// cannot be dialed is skipped.
func (sm *StateManager) candidateLost(st *connectingState, cause error) {
	st.leave()
	if st.prev == nil {
		err := ErrJoinFailed
		if cause != nil {
			err = errors.Join(ErrJoinFailed, cause)
		}
		sm.fail(err)
		return
	}
	if cause == nil {
		st.redials++
		st.admin = nil
		sm.logger.Debug().
			Str("address", st.address).
			Int("redial", st.redials).
			Msg("candidate admin dropped connection, dialing again")
		sm.connect(st.address, sm.redialDelay)
		return
	}
	sm.logger.Warn().Err(cause).Str("address", st.address).Msg("candidate admin is unreachable")
	sm.failover(*st.prev)
}

// connect dials address in the background after delay. The dialer has
// queued the Open of the connection by the time the JoinReq goes out.
func (sm *StateManager) connect(address string, delay time.Duration) {
	go func() {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-sm.dialCtx.Done():
				t.Stop()
				return
			}
		}
		conn, err := sm.dialer.Dial(sm.dialCtx, address, sm)
		if err != nil {
			sm.logger.Error().Err(err).Str("address", address).Msg("failed to connect")
			sm.Submit(model.ConnectFailed{Address: address, Err: err})
			return
		}
		if err = conn.Send(sm.joinRequest()); err != nil {
			sm.logger.Error().Err(err).Str("address", address).Msg("failed to send join request")
		}
	}()
}
