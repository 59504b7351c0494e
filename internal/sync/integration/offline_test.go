// Integration tests for offline operation over the persistent stores.
// Every local write must survive a restart and reach the server exactly once.
package integration

import (
	"bytes"
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/mindharbor/backend/internal/crypto"
	"github.com/kimhsiao/mindharbor/backend/internal/db"
	"github.com/kimhsiao/mindharbor/backend/internal/db/kv"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	syncpkg "github.com/kimhsiao/mindharbor/backend/internal/sync"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/conflict"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/network"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/queue"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/remote"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/storage"
)

const userID = "user-1"

var wifi = network.Status{IsOnline: true, ConnectionType: network.ConnectionWiFi, Quality: network.QualityExcellent}

type offlineStore interface {
	queue.Store
	syncpkg.SessionStore
	syncpkg.CursorStore
	conflict.HistoryStore
}

// backend opens a persistent store in dir; close releases it.
type backend struct {
	name string
	open func(t *testing.T, dir string) (offlineStore, func())
}

var backends = []backend{
	{
		name: "sqlite",
		open: func(t *testing.T, dir string) (offlineStore, func()) {
			database, err := db.OpenAndMigrate(dir)
			require.NoError(t, err)
			repo := db.NewRepository(database.DB)
			return repo, func() {
				repo.Close()
				database.Close()
			}
		},
	},
	{
		name: "badger",
		open: func(t *testing.T, dir string) (offlineStore, func()) {
			s, err := kv.Open(kv.DefaultConfig(filepath.Join(dir, "kv")))
			require.NoError(t, err)
			return s, func() { s.Close() }
		},
	},
}

// device is one app launch on top of a persistent store.
type device struct {
	coord *syncpkg.Coordinator
	queue *queue.Queue
	close func()
}

func launch(t *testing.T, b backend, dir string, server *remote.MemoryServer, monitor network.Monitor) *device {
	t.Helper()
	ctx := context.Background()
	store, closeStore := b.open(t, dir)

	q, err := queue.New(ctx, store, queue.DefaultConfig())
	require.NoError(t, err)
	g, err := crypto.NewAESGateway(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	cfg := syncpkg.DefaultConfig()
	cfg.DeviceID = "phone"
	cfg.BatchSize = 2
	cfg.RequestsPerSecond = 1000
	cfg.Burst = 100
	coord, err := syncpkg.NewCoordinator(syncpkg.Deps{
		Queue:      q,
		Remote:     server,
		Gateway:    g,
		Monitor:    monitor,
		Resolver:   conflict.NewResolver(store, nil),
		Sessions:   store,
		Cursors:    store,
		Quarantine: storage.NewDirStore(filepath.Join(dir, "quarantine")),
	}, cfg)
	require.NoError(t, err)

	return &device{
		coord: coord,
		queue: q,
		close: func() {
			coord.Close()
			closeStore()
		},
	}
}

// TestOfflineWritesSurviveRestart verifies writes made offline and a pass
// interrupted midway both survive a restart, and the resumed pass uploads
// every item exactly once.
func TestOfflineWritesSurviveRestart(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			server := remote.NewMemoryServer()
			monitor := network.NewStaticMonitor(network.Offline)

			dev := launch(t, b, dir, server, monitor)
			var ids []string
			for i := 1; i <= 5; i++ {
				item, err := dev.coord.QueueMoodEntry(ctx, userID, map[string]interface{}{
					"mood_score": i,
					"notes":      "written on the train",
				})
				require.NoError(t, err)
				ids = append(ids, item.TempID)
			}
			crisis, err := dev.coord.QueueCrisisEvent(ctx, userID, map[string]interface{}{
				"severity":    "critical",
				"description": "called the hotline",
			})
			require.NoError(t, err)
			ids = append(ids, crisis.TempID)

			info, err := dev.coord.GetStorageInfo(ctx, userID)
			require.NoError(t, err)
			assert.Equal(t, 5, info.ByType[models.ItemMoodEntry].Pending)

			// the link drops again after the first upload
			monitor.Set(wifi)
			var calls atomic.Int32
			server.OnUpsert = func(context.Context, string, models.ItemType, []remote.Record) {
				if calls.Add(1) == 1 {
					monitor.Set(network.Offline)
				}
			}
			res, err := dev.coord.StartSync(ctx, userID)
			require.NoError(t, err)
			server.OnUpsert = nil
			require.Equal(t, models.SessionInterrupted, res.Status)
			assert.Equal(t, 3, res.TotalBatches)
			assert.Len(t, res.Successful, 2)
			first, err := dev.queue.Get(ctx, crisis.TempID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusSynced, first.SyncStatus, "crisis event goes in the first batch")
			dev.close()

			monitor.Set(wifi)
			dev = launch(t, b, dir, server, monitor)
			defer dev.close()

			resumed, err := dev.coord.ResumeLatest(ctx, userID)
			require.NoError(t, err)
			assert.Equal(t, res.SyncID, resumed.SyncID)
			assert.Equal(t, models.SessionCompleted, resumed.Status)
			assert.Len(t, resumed.Successful, 4)

			for _, id := range ids {
				item, err := dev.queue.Get(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, models.StatusSynced, item.SyncStatus)
				assert.Equal(t, 1, server.UpsertCount(id))
			}
			for _, rec := range server.Records(userID) {
				assert.NotContains(t, rec.Data, "notes")
				assert.NotContains(t, rec.Data, "description")
			}

			// a fresh write after the restart keeps queue order
			late, err := dev.coord.QueueMoodEntry(ctx, userID, map[string]interface{}{"mood_score": 7})
			require.NoError(t, err)
			assert.Greater(t, late.Seq, crisis.Seq)
		})
	}
}

// TestConflictHistoryPersists verifies resolved conflicts and the delta
// cursor are kept across a restart.
func TestConflictHistoryPersists(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			server := remote.NewMemoryServer()
			monitor := network.NewStaticMonitor(wifi)

			rec := server.Put(&remote.RemoteRecord{UserID: userID, ItemType: models.ItemMoodEntry, Data: map[string]interface{}{"mood_score": 4}})
			base := rec.UpdatedAt
			dev := launch(t, b, dir, server, monitor)
			item, err := dev.coord.Enqueue(ctx, queue.EnqueueRequest{
				UserID:        userID,
				ItemType:      models.ItemMoodEntry,
				Payload:       map[string]interface{}{"mood_score": 2},
				RecordID:      rec.ID,
				BaseUpdatedAt: &base,
			})
			require.NoError(t, err)
			server.Put(&remote.RemoteRecord{ID: rec.ID, UserID: userID, ItemType: models.ItemMoodEntry, Data: map[string]interface{}{"mood_score": 8}})

			delta, err := dev.coord.PerformDeltaSync(ctx, userID, nil)
			require.NoError(t, err)
			assert.True(t, delta.FullSync)
			require.Len(t, delta.Conflicts, 1)
			assert.Equal(t, models.WinnerServer, delta.Conflicts[0].Resolution.Winner)

			stored, err := dev.queue.Get(ctx, item.TempID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusSynced, stored.SyncStatus)
			dev.close()

			dev = launch(t, b, dir, server, monitor)
			defer dev.close()

			history, err := dev.coord.GetConflictHistory(ctx, userID, 10)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, rec.ID, history[0].ItemID)

			again, err := dev.coord.PerformDeltaSync(ctx, userID, nil)
			require.NoError(t, err)
			assert.False(t, again.FullSync)
			assert.Empty(t, again.ChangedItems)
		})
	}
}
