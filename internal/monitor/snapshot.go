// Package monitor provides periodic host metrics for targets. Feeds are
// shared per target through a reference-counted Pool.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/gluk-w/sshdeck/internal/inventory"
)

// CPU summarises processor load.
type CPU struct {
	UsagePercent float64 `json:"usage_percent"`
	Load1        float64 `json:"load1"`
	Load5        float64 `json:"load5"`
	Load15       float64 `json:"load15"`
}

// Memory summarises RAM usage.
type Memory struct {
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// Disk summarises usage of the root filesystem.
type Disk struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// Network holds cumulative interface counters, loopback excluded.
type Network struct {
	RxBytes uint64 `json:"rx_bytes"`
	TxBytes uint64 `json:"tx_bytes"`
}

// Snapshot is one metrics sample for a target.
type Snapshot struct {
	TargetID  string    `json:"target_id"`
	Timestamp time.Time `json:"timestamp"`
	CPU       CPU       `json:"cpu"`
	Memory    Memory    `json:"memory"`
	Disk      Disk      `json:"disk"`
	Network   Network   `json:"network"`
	LatencyMS float64   `json:"latency_ms"`
}

// Feed is a live metrics stream for one target.
type Feed interface {
	// Snapshots yields samples in order and is closed when the feed ends.
	Snapshots() <-chan Snapshot
	// Err reports why the feed ended. It is nil after a local Close.
	Err() error
	// Close stops the feed and releases its transport.
	Close() error
}

// Collector opens feeds.
type Collector interface {
	Open(ctx context.Context, target inventory.Target) (Feed, error)
}

// ErrFeedLost marks a probe failure that ends the feed, such as a dropped
// transport. Other probe failures only skip a sample.
var ErrFeedLost = errors.New("metrics feed lost")
