package monitor

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gluk-w/sshdeck/internal/inventory"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// LocalCollector samples the host the service runs on. It backs targets
// that point at the loopback interface, where a second SSH hop would only
// measure itself.
type LocalCollector struct {
	Interval time.Duration
	// DiskPath is the filesystem reported under Disk. Defaults to "/".
	DiskPath string
}

func (c *LocalCollector) Open(ctx context.Context, target inventory.Target) (Feed, error) {
	interval := c.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	path := c.DiskPath
	if path == "" {
		path = "/"
	}
	probe := func(pctx context.Context) (Snapshot, error) {
		snap, err := sampleLocal(pctx, path)
		if err != nil {
			return Snapshot{}, err
		}
		snap.TargetID = target.ID
		return snap, nil
	}
	return startPolling(ctx, interval, probe, nil), nil
}

func sampleLocal(ctx context.Context, diskPath string) (Snapshot, error) {
	snap := Snapshot{Timestamp: time.Now()}

	// Zero interval compares against the previous call.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPU.UsagePercent = pct[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.CPU.Load1, snap.CPU.Load5, snap.CPU.Load15 = avg.Load1, avg.Load5, avg.Load15
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read memory: %w", err)
	}
	snap.Memory = Memory{TotalBytes: vm.Total, UsedBytes: vm.Used, UsedPercent: vm.UsedPercent}

	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		snap.Disk = Disk{Path: du.Path, TotalBytes: du.Total, UsedBytes: du.Used, UsedPercent: du.UsedPercent}
	}

	if counters, err := psnet.IOCountersWithContext(ctx, true); err == nil {
		for _, c := range counters {
			if c.Name == "lo" {
				continue
			}
			snap.Network.RxBytes += c.BytesRecv
			snap.Network.TxBytes += c.BytesSent
		}
	}
	return snap, nil
}

// RoutingCollector sends loopback targets to Local and everything else to
// Remote.
type RoutingCollector struct {
	Local  Collector
	Remote Collector
}

func (c *RoutingCollector) Open(ctx context.Context, target inventory.Target) (Feed, error) {
	if c.Local != nil && IsLoopback(target.Host) {
		return c.Local.Open(ctx, target)
	}
	return c.Remote.Open(ctx, target)
}

// IsLoopback reports whether host names the local machine.
func IsLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
