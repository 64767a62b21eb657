package service

import (
	"time"

	"github.com/adwski/hierchat/backend/model"
	sw "github.com/adwski/hierchat/backend/switch"
)

func (sm *StateManager) newAdmin(room model.Room) *adminState {
	return &adminState{
		rm:       room,
		registry: sw.NewSwitch(&sm.logger),
	}
}

func (sm *StateManager) handleAdmin(st *adminState, ev model.Event) bool {
	switch ev := ev.(type) {
	case model.Open:
		st.registry.Connect(ev.Conn)
		return true

	case model.Closed:
		return sm.adminDisconnect(st, ev.ConnID)

	case model.Received:
		if !st.registry.Has(ev.ConnID) {
			return false
		}
		switch p := ev.Message.Payload.(type) {
		case model.JoinReq:
			sm.adminAccept(st, p.Peer, ev.ConnID)
			return true
		case model.Forward:
			sm.adminRelay(st, ev.Message)
			return true
		}

	case model.SubmitMessage:
		if ev.Payload == nil {
			return false
		}
		sm.adminRelay(st, model.Message{Payload: model.Forward{Author: sm.self, Body: ev.Payload}})
		return true

	case model.RejoinTimeout:
		if st.round == 0 || ev.Round != st.round {
			return false
		}
		sm.adminPrune(st)
		return true
	}
	return false
}

// armRejoinGrace starts the grace period of an admin that took over from
// a failed one.
func (sm *StateManager) armRejoinGrace(st *adminState) {
	if sm.rejoinGrace < 0 || st.rm.Hierarchy.Len() < 2 {
		return
	}
	sm.promotions++
	round := sm.promotions
	st.round = round
	st.rejoin = time.AfterFunc(sm.rejoinGrace, func() {
		sm.Submit(model.RejoinTimeout{Round: round})
	})
}

// adminPrune drops peers of the previous hierarchy that have not
// reconnected by the end of the grace period.
func (sm *StateManager) adminPrune(st *adminState) {
	st.rejoin = nil
	st.round = 0

	var pruned int
	for _, p := range st.rm.Hierarchy.Clone() {
		if p == sm.self || st.registry.IsBound(p) {
			continue
		}
		st.rm.Hierarchy.Remove(p)
		pruned++
		sm.logger.Info().Str("peer", p.String()).Msg("peer did not rejoin")
	}
	if pruned == 0 {
		return
	}
	st.rm.Version++
	sm.metrics.SyncsSent(st.registry.Broadcast(sm.syncMessage(st)))
}

// adminAccept adds a joining peer and answers with the room state. Only
// the joining connection receives the Sync.
func (sm *StateManager) adminAccept(st *adminState, peer model.Peer, connID uint64) {
	if st.rm.Hierarchy.Push(peer) {
		st.rm.Version++
	}
	st.registry.Bind(connID, peer)

	sm.logger.Info().
		Str("peer", peer.String()).
		Uint64("conn", connID).
		Int("hierarchy", st.rm.Hierarchy.Len()).
		Msg("peer joined")

	if st.registry.SendTo(connID, sm.syncMessage(st)) {
		sm.metrics.SyncsSent(1)
	}
}

// adminRelay records a forward and sends it unmodified to every client.
func (sm *StateManager) adminRelay(st *adminState, msg model.Message) {
	fwd := msg.Payload.(model.Forward)
	sm.appendHistory(fwd.Author, fwd.Body)
	st.registry.Broadcast(msg)
	sm.metrics.ForwardRelayed()
}

func (sm *StateManager) adminDisconnect(st *adminState, connID uint64) bool {
	if !st.registry.Has(connID) {
		return false
	}
	peer, bound := st.registry.Disconnect(connID)
	// a peer that reconnected before its old connection was reported
	// closed is still bound to the new one
	if bound && !st.registry.IsBound(peer) && st.rm.Hierarchy.Remove(peer) {
		st.rm.Version++
		sm.logger.Info().
			Str("peer", peer.String()).
			Uint64("conn", connID).
			Int("hierarchy", st.rm.Hierarchy.Len()).
			Msg("peer left")
	}
	sm.metrics.SyncsSent(st.registry.Broadcast(sm.syncMessage(st)))
	return true
}

func (sm *StateManager) syncMessage(st *adminState) model.Message {
	return model.Message{Payload: model.Sync{Room: st.rm.Clone()}}
}
