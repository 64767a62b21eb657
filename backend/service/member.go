package service

import (
	"errors"
	"time"

	"github.com/adwski/hierchat/backend/model"
)

func (sm *StateManager) handleInitial(ev model.Event) bool {
	switch ev := ev.(type) {
	case model.StartRoom:
		room := model.NewRoom(sm.roomName(), sm.self)
		sm.setState(sm.newAdmin(room))
		return true

	case model.JoinSend:
		sm.connect(ev.Address, 0)
		return true

	case model.Open:
		if !ev.Outbound() {
			return false
		}
		st := &connectingState{address: ev.Address}
		sm.setState(st)
		sm.candidateOpened(st, ev.Conn)
		return true

	case model.ConnectFailed:
		sm.fail(errors.Join(ErrJoinFailed, ev.Err))
		return true
	}
	return false
}

func (sm *StateManager) handleConnecting(st *connectingState, ev model.Event) bool {
	switch ev := ev.(type) {
	case model.Open:
		if !ev.Outbound() {
			return false
		}
		if st.admin != nil || ev.Address != st.address {
			sm.logger.Debug().
				Str("address", ev.Address).
				Uint64("conn", ev.Conn.ID()).
				Msg("closing stray outbound connection")
			_ = ev.Conn.Close()
			return true
		}
		sm.candidateOpened(st, ev.Conn)
		return true

	case model.Received:
		if !st.isCandidate(ev.ConnID) {
			return false
		}
		snap, ok := ev.Message.Payload.(model.Sync)
		if !ok {
			sm.logger.Error().
				Err(ErrProtocolViolation).
				Str("payload", model.PayloadKind(ev.Message.Payload)).
				Uint64("conn", ev.ConnID).
				Msg("expected sync from candidate admin")
			return true
		}
		sm.logger.Info().
			Str("room", snap.Room.Name).
			Uint64("version", snap.Room.Version).
			Int("hierarchy", snap.Room.Hierarchy.Len()).
			Msg("joined room")
		sm.setState(&memberState{rm: snap.Room, admin: st.admin})
		return true

	case model.Closed:
		if !st.isCandidate(ev.ConnID) {
			return false
		}
		sm.candidateLost(st, nil)
		return true

	case model.ConnectFailed:
		if st.admin != nil || ev.Address != st.address {
			return false
		}
		sm.candidateLost(st, ev.Err)
		return true

	case model.SyncTimeout:
		if !st.isCandidate(ev.ConnID) {
			return false
		}
		sm.retryJoin(st)
		return true
	}
	return false
}

func (sm *StateManager) handleMember(st *memberState, ev model.Event) bool {
	switch ev := ev.(type) {
	case model.Received:
		if ev.ConnID != st.admin.ID() {
			return false
		}
		switch p := ev.Message.Payload.(type) {
		case model.Sync:
			if p.Room.Version < st.rm.Version {
				sm.logger.Warn().
					Uint64("local", st.rm.Version).
					Uint64("remote", p.Room.Version).
					Msg("room version went backwards")
			}
			st.rm = p.Room
			return true
		case model.Forward:
			sm.appendHistory(p.Author, p.Body)
			return true
		}

	case model.Closed:
		if ev.ConnID != st.admin.ID() {
			return false
		}
		sm.logger.Warn().
			Uint64("conn", ev.ConnID).
			Str("room", st.rm.Name).
			Msg("admin connection lost")
		sm.failover(st.rm)
		return true

	case model.SubmitMessage:
		if ev.Payload == nil {
			return false
		}
		msg := model.Message{Payload: model.Forward{Author: sm.self, Body: ev.Payload}}
		if err := st.admin.Send(msg); err != nil {
			sm.logger.Error().Err(err).Uint64("conn", st.admin.ID()).Msg("failed to send message to admin")
		}
		return true
	}
	return false
}

func (sm *StateManager) candidateOpened(st *connectingState, conn model.Conn) {
	st.admin = conn
	st.attempts = 1
	sm.logger.Debug().
		Str("address", st.address).
		Uint64("conn", conn.ID()).
		Msg("connected to candidate admin")
	sm.armSyncTimeout(st)
}

// retryJoin repeats the JoinReq on the candidate connection. A candidate
// that has not noticed the old admin's failure yet ignores the first one.
func (sm *StateManager) retryJoin(st *connectingState) {
	if st.attempts >= sm.maxJoinAttempts {
		sm.logger.Warn().
			Str("address", st.address).
			Int("attempts", st.attempts).
			Msg("candidate admin did not answer, dropping connection")
		// the Closed event of this connection continues the failover
		_ = st.admin.Close()
		return
	}
	st.attempts++
	sm.logger.Debug().
		Str("address", st.address).
		Int("attempt", st.attempts).
		Msg("repeating join request")
	if err := st.admin.Send(sm.joinRequest()); err != nil {
		sm.logger.Error().Err(err).Msg("failed to send join request")
	}
	sm.armSyncTimeout(st)
}

// armSyncTimeout replaces the timer of the candidate connection. The timer
// is stopped when the state is left.
func (sm *StateManager) armSyncTimeout(st *connectingState) {
	st.leave()
	if sm.syncTimeout <= 0 {
		return
	}
	connID := st.admin.ID()
	st.timer = time.AfterFunc(sm.syncTimeout, func() {
		sm.Submit(model.SyncTimeout{ConnID: connID})
	})
}

func (sm *StateManager) joinRequest() model.Message {
	return model.Message{Payload: model.JoinReq{Peer: sm.self}}
}
