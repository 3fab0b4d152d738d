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

// Stats is the process-wide request/connection counter.
var Stats = &stats{}

type stats struct {
	RequestsSent   atomic.Int64 // cumulative Router.Send calls across all connections
	RequestsRecv   atomic.Int64 // cumulative inbound-request dispatches across all connections
	Connections    atomic.Int64 // cumulative connections admitted since process start
	Disconnections atomic.Int64 // cumulative connections torn down since process start
	CongestionHits atomic.Int64 // cumulative congestion-warning crossings
}

func (s *stats) AddRequestSent()   { s.RequestsSent.Add(1) }
func (s *stats) AddRequestRecv()   { s.RequestsRecv.Add(1) }
func (s *stats) AddConnection()    { s.Connections.Add(1) }
func (s *stats) AddDisconnection() { s.Disconnections.Add(1) }
func (s *stats) AddCongestionHit() { s.CongestionHits.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs request/connection
// statistics every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevConns, prevDisconns, prevCongestion int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.RequestsSent.Load()
				recv := Stats.RequestsRecv.Load()
				conns := Stats.Connections.Load()
				disconns := Stats.Disconnections.Load()
				congestion := Stats.CongestionHits.Load()

				sentRate := float64(sent-prevSent) / 10.0
				recvRate := float64(recv-prevRecv) / 10.0
				connDelta := conns - prevConns
				disconnDelta := disconns - prevDisconns
				congestionDelta := congestion - prevCongestion

				if connDelta > 0 || disconnDelta > 0 || sentRate > 0 || recvRate > 0 || congestionDelta > 0 {
					pterm.DefaultLogger.Info(formatStats(sentRate, recvRate, connDelta, disconnDelta, congestionDelta))
				}

				prevSent = sent
				prevRecv = recv
				prevConns = conns
				prevDisconns = disconns
				prevCongestion = congestion

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a formatted string of the current stats for display
// in the logger.
func formatStats(sentRate, recvRate float64, connDelta, disconnDelta, congestionDelta int64) string {
	return fmt.Sprintf("Req out: %5.1f/s | Req in: %5.1f/s | Conn: %2d↑ %2d↓ | Congestion: %d",
		sentRate,
		recvRate,
		connDelta,
		disconnDelta,
		congestionDelta,
	)
}
