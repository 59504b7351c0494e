package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

// TestGetSyncStrategy verifies the connectivity to strategy mapping.
func TestGetSyncStrategy(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   models.SyncStrategy
		online bool
	}{
		{"offline", Offline, "", false},
		{"online flag false", Status{IsOnline: false, ConnectionType: ConnectionWiFi, Quality: QualityExcellent}, "", false},
		{"excellent wifi", Status{true, ConnectionWiFi, QualityExcellent}, models.StrategyFullSync, true},
		{"excellent cellular", Status{true, ConnectionCellular, QualityExcellent}, models.StrategyFullSync, true},
		{"good wifi", Status{true, ConnectionWiFi, QualityGood}, models.StrategyFullSync, true},
		{"good cellular", Status{true, ConnectionCellular, QualityGood}, models.StrategyPrioritySync, true},
		{"fair", Status{true, ConnectionWiFi, QualityFair}, models.StrategyPrioritySync, true},
		{"poor cellular", Status{true, ConnectionCellular, QualityPoor}, models.StrategyCriticalOnly, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, online := GetSyncStrategy(tt.status)
			assert.Equal(t, tt.online, online)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestStaticMonitor verifies Set is reflected by CheckNetworkStatus.
func TestStaticMonitor(t *testing.T) {
	m := NewStaticMonitor(Offline)
	s, err := m.CheckNetworkStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, s.IsOnline)

	m.Set(Status{true, ConnectionWiFi, QualityGood})
	s, err = m.CheckNetworkStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, s.IsOnline)
}

// TestThresholds_Classify verifies latency buckets.
func TestThresholds_Classify(t *testing.T) {
	th := DefaultThresholds()
	assert.Equal(t, QualityExcellent, th.Classify(10*time.Millisecond))
	assert.Equal(t, QualityGood, th.Classify(300*time.Millisecond))
	assert.Equal(t, QualityFair, th.Classify(time.Second))
	assert.Equal(t, QualityPoor, th.Classify(5*time.Second))
}

// TestProbeMonitor verifies a reachable endpoint is online and a failing
// one is offline.
func TestProbeMonitor(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	m := NewProbeMonitor(healthy.URL, time.Second, Thresholds{Excellent: time.Minute, Good: time.Minute, Fair: time.Minute})
	m.SetConnectionType(ConnectionWiFi)
	s, err := m.CheckNetworkStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Status{true, ConnectionWiFi, QualityExcellent}, s)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	s, err = NewProbeMonitor(broken.URL, time.Second, DefaultThresholds()).CheckNetworkStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, s.IsOnline)

	unreachable := NewProbeMonitor("http://127.0.0.1:1", 200*time.Millisecond, DefaultThresholds())
	s, err = unreachable.CheckNetworkStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Offline, s)
}

// TestProbeMonitor_concurrentConnectionType verifies the platform may report
// link changes while a status check is running.
func TestProbeMonitor_concurrentConnectionType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewProbeMonitor(srv.URL, time.Second, DefaultThresholds())
	assert.Equal(t, ConnectionUnknown, m.ConnectionType())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.SetConnectionType(ConnectionCellular)
			m.SetConnectionType(ConnectionWiFi)
		}()
		go func() {
			defer wg.Done()
			s, err := m.CheckNetworkStatus(context.Background())
			assert.NoError(t, err)
			assert.True(t, s.IsOnline)
		}()
	}
	wg.Wait()

	m.SetConnectionType(ConnectionCellular)
	s, err := m.CheckNetworkStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ConnectionCellular, s.ConnectionType)
}
