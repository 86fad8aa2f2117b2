package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/connection counter.
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // cumulative count of TCP connections since process start
	ClosedConns atomic.Int64 // cumulative count of closed TCP connections
	BytesSent   atomic.Int64 // cumulative bytes written to sockets
	BytesRecv   atomic.Int64 // cumulative bytes read from sockets
	FramesSent  atomic.Int64 // cumulative frames written
	FramesRecv  atomic.Int64 // cumulative frames decoded
	Active      atomic.Int64 // registered sessions (introducer) or connected peers (participant)
}

func (s *stats) AddConn()        { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()     { s.ClosedConns.Add(1) }
func (s *stats) AddSent(n int)   { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)   { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddFrameSent()   { s.FramesSent.Add(1) }
func (s *stats) AddFrameRecv()   { s.FramesRecv.Add(1) }
func (s *stats) SetActive(n int) { s.Active.Store(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// reportInterval is how often StartStatsReporter samples the counters.
const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs traffic statistics
// every 10 seconds while anything changed. label names the Active gauge
// ("sessions", "peers"). It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, clk clock.Clock, label string) {
	go func() {
		ticker := clk.Ticker(reportInterval)
		defer ticker.Stop()

		secs := reportInterval.Seconds()
		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				d := cur.sub(prev)
				if d.conns > 0 || d.closed > 0 || d.framesIn > 0 || d.framesOut > 0 {
					pterm.DefaultLogger.Info(formatStats(
						float64(d.recv)/secs, float64(d.sent)/secs,
						d.framesIn, d.framesOut, d.conns, d.closed,
						label, Stats.Active.Load(),
					))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	conns, closed       int64
	sent, recv          int64
	framesOut, framesIn int64
}

func takeSnapshot() snapshot {
	return snapshot{
		conns:     Stats.TotalConns.Load(),
		closed:    Stats.ClosedConns.Load(),
		sent:      Stats.BytesSent.Load(),
		recv:      Stats.BytesRecv.Load(),
		framesOut: Stats.FramesSent.Load(),
		framesIn:  Stats.FramesRecv.Load(),
	}
}

func (s snapshot) sub(o snapshot) snapshot {
	return snapshot{
		conns:     s.conns - o.conns,
		closed:    s.closed - o.closed,
		sent:      s.sent - o.sent,
		recv:      s.recv - o.recv,
		framesOut: s.framesOut - o.framesOut,
		framesIn:  s.framesIn - o.framesIn,
	}
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// e.g. "99.0   B", " 1.5 KiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// keeps "100.0 KiB" (9 chars) out
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(inS, outS float64, framesIn, framesOut, inC, outC int64, label string, active int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Frames: %d↓ %d↑ | Conn: %2d↑ %2d↓ | %s: %d",
		formatBytes(inS),
		formatBytes(outS),
		framesIn,
		framesOut,
		inC,
		outC,
		label,
		active,
	)
}
