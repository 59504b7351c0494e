// Package network reports connectivity and maps it onto a sync strategy.
package network

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

// ConnectionType is the physical link in use.
type ConnectionType string

const (
	ConnectionWiFi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionNone     ConnectionType = "none"
	ConnectionUnknown  ConnectionType = "unknown"
)

// Quality is a coarse measure of link quality.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// Status is a connectivity snapshot.
type Status struct {
	IsOnline       bool           `json:"is_online"`
	ConnectionType ConnectionType `json:"connection_type"`
	Quality        Quality        `json:"quality"`
}

// Offline is the status of a device with no link.
var Offline = Status{IsOnline: false, ConnectionType: ConnectionNone, Quality: QualityOffline}

// Monitor reports current connectivity.
type Monitor interface {
	CheckNetworkStatus(ctx context.Context) (Status, error)
}

// GetSyncStrategy maps connectivity onto the set of items worth uploading.
// The second return value is false when the device is offline.
func GetSyncStrategy(s Status) (models.SyncStrategy, bool) {
	if !s.IsOnline || s.Quality == QualityOffline {
		return "", false
	}
	switch s.Quality {
	case QualityExcellent:
		return models.StrategyFullSync, true
	case QualityGood:
		if s.ConnectionType == ConnectionCellular {
			return models.StrategyPrioritySync, true
		}
		return models.StrategyFullSync, true
	case QualityFair:
		return models.StrategyPrioritySync, true
	default:
		return models.StrategyCriticalOnly, true
	}
}

// StaticMonitor reports a status set by the host app, which usually owns the
// platform connectivity callbacks.
type StaticMonitor struct {
	mu     sync.RWMutex
	status Status
}

// NewStaticMonitor creates a StaticMonitor reporting s.
func NewStaticMonitor(s Status) *StaticMonitor {
	return &StaticMonitor{status: s}
}

// Set replaces the reported status.
func (m *StaticMonitor) Set(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// CheckNetworkStatus returns the last status set.
func (m *StaticMonitor) CheckNetworkStatus(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Offline, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, nil
}

// Thresholds maps probe latency onto Quality.
type Thresholds struct {
	Excellent time.Duration
	Good      time.Duration
	Fair      time.Duration
}

// DefaultThresholds returns the production latency thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Excellent: 150 * time.Millisecond,
		Good:      400 * time.Millisecond,
		Fair:      1200 * time.Millisecond,
	}
}

// Classify maps a round-trip latency onto Quality.
func (t Thresholds) Classify(latency time.Duration) Quality {
	switch {
	case latency <= t.Excellent:
		return QualityExcellent
	case latency <= t.Good:
		return QualityGood
	case latency <= t.Fair:
		return QualityFair
	default:
		return QualityPoor
	}
}

// ProbeMonitor measures connectivity by timing a HEAD request to a health
// endpoint of the remote store.
type ProbeMonitor struct {
	url            string
	client         *http.Client
	thresholds     Thresholds

	mu             sync.RWMutex
	connectionType ConnectionType
}

// NewProbeMonitor creates a ProbeMonitor for url.
func NewProbeMonitor(url string, timeout time.Duration, thresholds Thresholds) *ProbeMonitor {
	return &ProbeMonitor{
		url:            url,
		client:         &http.Client{Timeout: timeout},
		thresholds:     thresholds,
		connectionType: ConnectionUnknown,
	}
}

// SetConnectionType records the link type reported by the platform.
func (m *ProbeMonitor) SetConnectionType(t ConnectionType) {
	m.mu.Lock()
	m.connectionType = t
	m.mu.Unlock()
}

// ConnectionType returns the link type last reported by the platform.
func (m *ProbeMonitor) ConnectionType() ConnectionType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectionType
}

// CheckNetworkStatus probes the health endpoint. Any transport failure or
// 5xx response is reported as offline rather than as an error.
func (m *ProbeMonitor) CheckNetworkStatus(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.url, nil)
	if err != nil {
		return Offline, err
	}
	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Offline, ctx.Err()
		}
		return Offline, nil
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Offline, nil
	}
	return Status{
		IsOnline:       true,
		ConnectionType: m.ConnectionType(),
		Quality:        m.thresholds.Classify(time.Since(start)),
	}, nil
}
