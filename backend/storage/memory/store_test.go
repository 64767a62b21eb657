package memory

import (
	"sync"
	"testing"

	"github.com/adwski/hierchat/backend/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = model.Peer{Username: "alice", Address: "ws://10.0.0.1:5432"}

func TestMemStore_History(t *testing.T) {
	ms := NewMemStore()
	ms.AppendHistory(model.HistoryEntry{Author: alice, Body: model.Text("one")})
	ms.AppendHistory(model.HistoryEntry{Author: alice, Body: model.Notification("two")})

	h := ms.History()
	require.Len(t, h, 2)
	assert.Equal(t, model.Text("one"), h[0].Body)

	h[0].Body = model.Text("changed")
	assert.Equal(t, model.Text("one"), ms.History()[0].Body)

	assert.Len(t, ms.HistorySince(1), 1)
	assert.Nil(t, ms.HistorySince(2))
	assert.Len(t, ms.HistorySince(-1), 2)
}

func TestMemStore_Room(t *testing.T) {
	ms := NewMemStore()
	_, ok := ms.Room()
	assert.False(t, ok)

	room := model.NewRoom("tiny-owl-hums", alice)
	ms.SetRoom(model.RoleAdmin, &room)
	room.Hierarchy.Push(model.Peer{Username: "bob"})

	got, ok := ms.Room()
	require.True(t, ok)
	assert.Equal(t, model.Hierarchy{alice}, got.Hierarchy)
	assert.Equal(t, model.RoleAdmin, ms.Role())

	ms.SetRoom(model.RoleInitial, nil)
	_, ok = ms.Room()
	assert.False(t, ok)
}

func TestMemStore_UpdatesCoalesce(t *testing.T) {
	ms := NewMemStore()
	ms.AppendHistory(model.HistoryEntry{Author: alice, Body: model.Text("a")})
	ms.AppendHistory(model.HistoryEntry{Author: alice, Body: model.Text("b")})

	select {
	case <-ms.Updates():
	default:
		t.Fatal("expected update signal")
	}
	select {
	case <-ms.Updates():
		t.Fatal("signals should be coalesced")
	default:
	}
}

func TestMemStore_ConcurrentReaders(t *testing.T) {
	ms := NewMemStore()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = ms.History()
				_, _ = ms.Room()
			}
		}()
	}
	for j := 0; j < 100; j++ {
		ms.AppendHistory(model.HistoryEntry{Author: alice, Body: model.Text("x")})
	}
	wg.Wait()
	assert.Len(t, ms.History(), 100)
}
