package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/connection counter.
var Stats = &stats{}

type stats struct {
	OpenedConns  atomic.Int64 // logical connections established since process start
	ClosedConns  atomic.Int64 // logical connections torn down since process start
	BytesSent    atomic.Int64 // payload bytes handed to the substrate
	BytesRecv    atomic.Int64 // payload bytes read from the substrate
	DroppedPkts  atomic.Int64 // datagrams dropped (malformed, foreign sender, unknown peer)
	RejectedReqs atomic.Int64 // session requests or CONNECTs turned away
}

func (s *stats) AddConn()      { s.OpenedConns.Add(1) }
func (s *stats) RemoveConn()   { s.ClosedConns.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddDropped()   { s.DroppedPkts.Add(1) }
func (s *stats) AddRejected()  { s.RejectedReqs.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// reportInterval is how often StartStatsReporter samples the counters.
const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs session statistics
// every reportInterval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if line, ok := formatDelta(prev, cur, reportInterval.Seconds()); ok {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	opened, closed, sent, recv, dropped int64
}

func takeSnapshot() snapshot {
	return snapshot{
		opened:  Stats.OpenedConns.Load(),
		closed:  Stats.ClosedConns.Load(),
		sent:    Stats.BytesSent.Load(),
		recv:    Stats.BytesRecv.Load(),
		dropped: Stats.DroppedPkts.Load(),
	}
}

// formatDelta renders the change between two snapshots. It reports false when
// nothing worth logging happened.
func formatDelta(prev, cur snapshot, seconds float64) (string, bool) {
	outS := float64(cur.sent-prev.sent) / seconds
	inS := float64(cur.recv-prev.recv) / seconds
	upC := cur.opened - prev.opened
	downC := cur.closed - prev.closed
	drops := cur.dropped - prev.dropped

	if upC == 0 && downC == 0 && drops == 0 && inS <= 10 && outS <= 10 {
		return "", false
	}
	return formatStats(inS, outS, upC, downC, drops), true
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted line for display in the logger.
func formatStats(inS, outS float64, upC, downC, drops int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓ | Drop: %d",
		formatBytes(inS),
		formatBytes(outS),
		upC,
		downC,
		drops,
	)
}
