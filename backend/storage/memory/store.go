package memory

import (
	"sync"

	"github.com/adwski/hierchat/backend/model"
)

// MemStore keeps the chat history and the latest room snapshot. It has
// one writer (the state machine) and any number of readers.
type MemStore struct {
	mx      *sync.RWMutex
	history []model.HistoryEntry
	room    *model.Room
	role    model.Role
	updates chan struct{}
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:      &sync.RWMutex{},
		updates: make(chan struct{}, 1),
	}
}

func (ms *MemStore) AppendHistory(entry model.HistoryEntry) {
	ms.mx.Lock()
	ms.history = append(ms.history, entry)
	ms.mx.Unlock()
	ms.notify()
}

// SetRoom publishes the room held by the current role, nil if none.
func (ms *MemStore) SetRoom(role model.Role, room *model.Room) {
	ms.mx.Lock()
	ms.role = role
	if room == nil {
		ms.room = nil
	} else {
		r := room.Clone()
		ms.room = &r
	}
	ms.mx.Unlock()
	ms.notify()
}

// History returns a copy of the history.
func (ms *MemStore) History() []model.HistoryEntry {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	h := make([]model.HistoryEntry, len(ms.history))
	copy(h, ms.history)
	return h
}

// HistorySince returns the entries starting at index from.
func (ms *MemStore) HistorySince(from int) []model.HistoryEntry {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	if from >= len(ms.history) {
		return nil
	}
	if from < 0 {
		from = 0
	}
	h := make([]model.HistoryEntry, len(ms.history)-from)
	copy(h, ms.history[from:])
	return h
}

func (ms *MemStore) Room() (model.Room, bool) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	if ms.room == nil {
		return model.Room{}, false
	}
	return ms.room.Clone(), true
}

func (ms *MemStore) Role() model.Role {
	ms.mx.RLock()
	defer ms.mx.RUnlock()
	return ms.role
}

// Updates signals after every change. Signals are coalesced.
func (ms *MemStore) Updates() <-chan struct{} {
	return ms.updates
}

func (ms *MemStore) notify() {
	select {
	case ms.updates <- struct{}{}:
	default:
	}
}
