package monitor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/sshdeck/internal/inventory"
	"golang.org/x/crypto/ssh"
)

// ClientDialer opens an authenticated SSH client to a target.
type ClientDialer interface {
	DialClient(ctx context.Context, target inventory.Target) (*ssh.Client, error)
}

// probeCommand prints the sections parseProbe understands. Every section is
// introduced by a "--name" marker line.
const probeCommand = "echo --stat; head -n1 /proc/stat; " +
	"echo --load; cat /proc/loadavg; " +
	"echo --mem; cat /proc/meminfo; " +
	"echo --disk; df -kP / | tail -n1; " +
	"echo --net; cat /proc/net/dev"

// SSHCollector samples Linux targets by running a probe command over a
// dedicated SSH connection. The probe round trip is reported as latency.
type SSHCollector struct {
	Dialer   ClientDialer
	Interval time.Duration
}

func (c *SSHCollector) Open(ctx context.Context, target inventory.Target) (Feed, error) {
	client, err := c.Dialer.DialClient(ctx, target)
	if err != nil {
		return nil, err
	}

	interval := c.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	var (
		mu   sync.Mutex
		prev *cpuTimes
	)
	probe := func(pctx context.Context) (Snapshot, error) {
		start := time.Now()
		out, err := runProbe(pctx, client)
		if err != nil {
			return Snapshot{}, err
		}
		latency := time.Since(start)

		mu.Lock()
		defer mu.Unlock()
		snap, cur, err := parseProbe(out, prev)
		if err != nil {
			return Snapshot{}, err
		}
		prev = &cur
		snap.TargetID = target.ID
		snap.Timestamp = time.Now()
		snap.LatencyMS = float64(latency.Microseconds()) / 1000
		return snap, nil
	}

	return startPolling(ctx, interval, probe, func() { client.Close() }), nil
}

// runProbe executes probeCommand on a fresh session, abandoning it when ctx
// is cancelled. A failure to open the session means the connection is gone.
func runProbe(ctx context.Context, client *ssh.Client) ([]byte, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedLost, err)
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	out, err := session.Output(probeCommand)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("run probe: %w", err)
	}
	return out, nil
}

// cpuTimes is the aggregate line of /proc/stat.
type cpuTimes struct {
	idle  uint64
	total uint64
}

// parseProbe turns probe output into a snapshot. CPU usage is the busy
// share since prev; without prev it is reported as zero.
func parseProbe(out []byte, prev *cpuTimes) (Snapshot, cpuTimes, error) {
	var (
		snap    Snapshot
		cur     cpuTimes
		section string
		seen    = make(map[string]bool)
		memInfo = make(map[string]uint64)
	)

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "--") {
			section = strings.TrimPrefix(line, "--")
			continue
		}
		fields := strings.Fields(line)

		switch section {
		case "stat":
			if len(fields) < 5 || fields[0] != "cpu" {
				continue
			}
			for i, f := range fields[1:] {
				v, _ := strconv.ParseUint(f, 10, 64)
				cur.total += v
				// idle and iowait
				if i == 3 || i == 4 {
					cur.idle += v
				}
			}
			seen["stat"] = true
		case "load":
			if len(fields) < 3 {
				continue
			}
			snap.CPU.Load1, _ = strconv.ParseFloat(fields[0], 64)
			snap.CPU.Load5, _ = strconv.ParseFloat(fields[1], 64)
			snap.CPU.Load15, _ = strconv.ParseFloat(fields[2], 64)
		case "mem":
			if len(fields) < 2 {
				continue
			}
			v, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				continue
			}
			memInfo[strings.TrimSuffix(fields[0], ":")] = v * 1024
			seen["mem"] = true
		case "disk":
			if len(fields) < 6 {
				continue
			}
			total, _ := strconv.ParseUint(fields[1], 10, 64)
			used, _ := strconv.ParseUint(fields[2], 10, 64)
			snap.Disk = Disk{
				Path:       fields[5],
				TotalBytes: total * 1024,
				UsedBytes:  used * 1024,
			}
			if total > 0 {
				snap.Disk.UsedPercent = percent(used, total)
			}
		case "net":
			name, rest, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			name = strings.TrimSpace(name)
			if name == "lo" {
				continue
			}
			counters := strings.Fields(rest)
			if len(counters) < 9 {
				continue
			}
			rx, _ := strconv.ParseUint(counters[0], 10, 64)
			tx, _ := strconv.ParseUint(counters[8], 10, 64)
			snap.Network.RxBytes += rx
			snap.Network.TxBytes += tx
		}
	}
	if err := sc.Err(); err != nil {
		return Snapshot{}, cur, fmt.Errorf("read probe output: %w", err)
	}
	if !seen["stat"] || !seen["mem"] {
		return Snapshot{}, cur, fmt.Errorf("unexpected probe output (%d bytes)", len(out))
	}

	total := memInfo["MemTotal"]
	avail, ok := memInfo["MemAvailable"]
	if !ok {
		avail = memInfo["MemFree"] + memInfo["Buffers"] + memInfo["Cached"]
	}
	snap.Memory.TotalBytes = total
	if total >= avail {
		snap.Memory.UsedBytes = total - avail
	}
	if total > 0 {
		snap.Memory.UsedPercent = percent(snap.Memory.UsedBytes, total)
	}

	if prev != nil && cur.total > prev.total {
		dTotal := cur.total - prev.total
		var dIdle uint64
		if cur.idle > prev.idle {
			dIdle = cur.idle - prev.idle
		}
		if dIdle <= dTotal {
			snap.CPU.UsagePercent = percent(dTotal-dIdle, dTotal)
		}
	}
	return snap, cur, nil
}

func percent(part, whole uint64) float64 {
	return float64(part) / float64(whole) * 100
}
