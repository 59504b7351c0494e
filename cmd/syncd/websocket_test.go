package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	syncpkg "github.com/kimhsiao/mindharbor/backend/internal/sync"
)

// TestWSClient_wants verifies the user and event type filters.
func TestWSClient_wants(t *testing.T) {
	started := &syncpkg.SyncEvent{Type: syncpkg.SyncEventStarted, UserID: "user-1"}
	completed := &syncpkg.SyncEvent{Type: syncpkg.SyncEventCompleted, UserID: "user-2"}

	all := &WSClient{subscriptions: map[string]bool{}}
	assert.True(t, all.wants(started))
	assert.True(t, all.wants(completed))

	one := &WSClient{userID: "user-1", subscriptions: map[string]bool{}}
	assert.True(t, one.wants(started))
	assert.False(t, one.wants(completed))

	typed := &WSClient{subscriptions: map[string]bool{"sync_completed": true}}
	assert.False(t, typed.wants(started))
	assert.True(t, typed.wants(completed))
}

// TestWSHub_Stop verifies events after Stop are dropped without blocking.
func TestWSHub_Stop(t *testing.T) {
	hub := NewWSHub()
	hub.Stop()
	hub.Stop()

	for i := 0; i < 300; i++ {
		hub.OnSyncEvent(syncpkg.SyncEvent{Type: syncpkg.SyncEventStarted})
	}
	assert.Zero(t, hub.ClientCount())
}
