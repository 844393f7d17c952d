package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

const (
	defaultNTPPool      = "pool.ntp.org"
	defaultNTPInterval  = 60 * time.Second
	defaultNTPThreshold = 500 * time.Millisecond
)

// ClockStatus is the result of the most recent NTP probe.
type ClockStatus struct {
	Offset    time.Duration
	Healthy   bool
	Error     string
	CheckedAt time.Time
}

// NTPClock periodically probes an NTP pool and caches whether this
// node's clock is within the drift threshold. CheckClock answers from
// the cache, so it is cheap to call on every convergence pass.
type NTPClock struct {
	mu        sync.RWMutex
	status    ClockStatus
	checked   bool
	pool      string
	interval  time.Duration
	threshold time.Duration
}

// NewNTPClock creates a checker against the default pool. An empty pool
// keeps the default.
func NewNTPClock(pool string) *NTPClock {
	if pool == "" {
		pool = defaultNTPPool
	}
	return &NTPClock{
		pool:      pool,
		interval:  defaultNTPInterval,
		threshold: defaultNTPThreshold,
	}
}

// Run probes immediately and then on every interval until the context
// ends.
func (n *NTPClock) Run(ctx context.Context) {
	n.check()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.check()
		}
	}
}

// CheckClock fails only when the last probe measured an offset past
// the threshold. An unanswered probe, or no probe yet, passes: a node
// must not refuse to converge just because NTP is unreachable.
func (n *NTPClock) CheckClock(ctx context.Context) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.checked || n.status.Healthy || n.status.Error != "" {
		return nil
	}
	return fmt.Errorf("clock offset %s exceeds threshold %s", n.status.Offset, n.threshold)
}

// Status returns the most recent probe result.
func (n *NTPClock) Status() ClockStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

func (n *NTPClock) check() {
	resp, err := ntp.Query(n.pool)

	n.mu.Lock()
	defer n.mu.Unlock()

	n.checked = true
	now := time.Now()
	if err != nil {
		n.status = ClockStatus{
			Error:     err.Error(),
			Healthy:   false,
			CheckedAt: now,
		}
		return
	}

	offset := resp.ClockOffset
	if offset < 0 {
		offset = -offset
	}
	n.status = ClockStatus{
		Offset:    resp.ClockOffset,
		Healthy:   offset < n.threshold,
		CheckedAt: now,
	}
}
