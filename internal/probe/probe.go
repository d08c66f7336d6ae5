// Package probe implements the reachability gate: a periodic single-echo
// check against a fixed well-known host, cached as one boolean that the
// upload path reads before every dispatch.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// probeHost is the fixed address used for reachability checks.
const probeHost = "8.8.8.8"

// probeTimeout bounds one echo attempt so a black-holing network cannot
// stall the probe worker past its period.
const probeTimeout = 3 * time.Second

// Pinger performs one reachability check. The production implementation
// sends an unprivileged ICMP/UDP echo; tests inject fakes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// echoPinger sends a single unprivileged echo via pro-bing.
type echoPinger struct {
	host    string
	timeout time.Duration
}

// Ping sends one echo packet and fails unless a reply arrives in time.
func (p *echoPinger) Ping(ctx context.Context) error {
	pinger, err := probing.NewPinger(p.host)
	if err != nil {
		return fmt.Errorf("probe: creating pinger for %s: %w", p.host, err)
	}

	// Unprivileged UDP mode works without CAP_NET_RAW.
	pinger.SetPrivileged(false)
	pinger.Count = 1
	pinger.Timeout = p.timeout

	if err := pinger.RunWithContext(ctx); err != nil {
		return fmt.Errorf("probe: echo to %s: %w", p.host, err)
	}

	if pinger.Statistics().PacketsRecv == 0 {
		return fmt.Errorf("probe: no echo reply from %s within %s", p.host, p.timeout)
	}

	return nil
}

// Probe caches the result of the last reachability check. IsUp starts the
// periodic worker on first read when the period is positive; with a zero
// period the network is treated as always up.
type Probe struct {
	period time.Duration
	pinger Pinger
	logger *slog.Logger

	up      atomic.Bool
	started sync.Once
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Probe with the production echo pinger.
func New(period time.Duration, logger *slog.Logger) *Probe {
	return NewWithPinger(period, &echoPinger{host: probeHost, timeout: probeTimeout}, logger)
}

// NewWithPinger creates a Probe with an injected Pinger.
func NewWithPinger(period time.Duration, pinger Pinger, logger *slog.Logger) *Probe {
	p := &Probe{
		period: period,
		pinger: pinger,
		logger: logger,
		done:   make(chan struct{}),
	}

	// Optimistic until the first probe lands; the first tick runs
	// immediately, so the window is one echo round-trip.
	p.up.Store(true)

	return p
}

// IsUp returns the cached reachability state, launching the probe worker
// on first read. Always true when the period is zero.
func (p *Probe) IsUp() bool {
	if p.period <= 0 {
		return true
	}

	p.started.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel

		go p.loop(ctx)
	})

	return p.up.Load()
}

// Close stops the probe worker. Safe to call if IsUp was never read.
func (p *Probe) Close() {
	if p.cancel == nil {
		return
	}

	p.cancel()
	<-p.done
}

// loop probes immediately, then once per period, recording edge changes.
func (p *Probe) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	p.check(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

// check runs one probe and logs only when the cached state flips.
func (p *Probe) check(ctx context.Context) {
	err := p.pinger.Ping(ctx)
	now := err == nil

	was := p.up.Swap(now)
	if was == now {
		return
	}

	if now {
		p.logger.Info("network reachable again", slog.String("host", probeHost))
	} else {
		p.logger.Warn("network unreachable, suspending uploads",
			slog.String("host", probeHost),
			slog.String("error", err.Error()),
		)
	}
}
