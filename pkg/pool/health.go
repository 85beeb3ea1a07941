package pool

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

func (p *Pool) healthLoop() {
	defer p.wg.Done()

	for {
		interval := p.Config().HealthCheckInterval
		timer := time.NewTimer(interval)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.HealthCheck(p.ctx)
		}
	}
}

// HealthCheck pings every idle connection, retires expired or failing
// ones, refills the pool to MinConnections and logs newly detected leaks.
// It returns the number of connections retired.
func (p *Pool) HealthCheck(ctx context.Context) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	candidates := p.idle
	p.idle = nil
	p.pending += len(candidates)
	cfg := p.cfg
	p.mu.Unlock()

	now := time.Now()
	keep := make([]*pooledConn, 0, len(candidates))
	var retired []*pooledConn
	var reasons []string
	pingFailures := 0
	for _, pc := range candidates {
		reason := retireReason(pc, now, cfg)
		if reason == "" {
			if err := validate(ctx, pc, cfg.ValidationTimeout); err != nil {
				reason = "health check failed"
				pingFailures++
			}
		}
		if reason != "" {
			retired = append(retired, pc)
			reasons = append(reasons, reason)
			continue
		}
		keep = append(keep, pc)
	}

	p.mu.Lock()
	p.pending -= len(candidates)
	p.stats.validationFailures += int64(pingFailures)
	for i, pc := range retired {
		p.destroyLocked(pc, reasons[i])
	}
	closed := p.closed
	if closed {
		for _, pc := range keep {
			p.destroyLocked(pc, "pool closed")
		}
		retired = append(retired, keep...)
	} else {
		// Connections released meanwhile are more recent; keep them on top.
		p.idle = append(keep, p.idle...)
	}
	p.cond.Broadcast()
	leaks := p.detectLeaksLocked(now)
	p.mu.Unlock()

	for _, pc := range retired {
		closeConn(pc)
	}
	logLeaks(leaks)

	evicted := len(retired)
	if closed {
		return evicted
	}
	if evicted > 0 {
		log.Info().Int("evicted", evicted).Int("healthy", len(keep)).Msg("Health check retired connections")
	}
	p.Warmup(ctx)
	return evicted
}

// detectLeaksLocked returns connections newly found to be held past the
// leak threshold and counts them
func (p *Pool) detectLeaksLocked(now time.Time) []LeakInfo {
	if !p.cfg.EnableLeakDetection || p.cfg.LeakThreshold <= 0 {
		return nil
	}
	var fresh []LeakInfo
	for _, pc := range p.active {
		held := now.Sub(pc.borrowedAt)
		if held <= p.cfg.LeakThreshold || pc.leakLogged {
			continue
		}
		pc.leakLogged = true
		p.stats.leaksDetected++
		fresh = append(fresh, LeakInfo{ConnectionID: pc.id, Owner: pc.owner, BorrowedAt: pc.borrowedAt, HeldFor: held})
	}
	return fresh
}

func logLeaks(leaks []LeakInfo) {
	for _, leak := range leaks {
		log.Warn().
			Str("connection_id", leak.ConnectionID).
			Str("owner", leak.Owner).
			Dur("held_for", leak.HeldFor).
			Msg("Possible connection leak")
	}
}

// LeakedConnections lists borrowed connections held longer than the leak
// threshold. Empty when leak detection is disabled. Leaks seen here for the
// first time are counted and logged as HealthCheck would.
func (p *Pool) LeakedConnections() []LeakInfo {
	p.mu.Lock()
	now := time.Now()
	fresh := p.detectLeaksLocked(now)
	var leaks []LeakInfo
	if p.cfg.EnableLeakDetection {
		for _, pc := range p.active {
			if held := now.Sub(pc.borrowedAt); held > p.cfg.LeakThreshold {
				leaks = append(leaks, LeakInfo{ConnectionID: pc.id, Owner: pc.owner, BorrowedAt: pc.borrowedAt, HeldFor: held})
			}
		}
	}
	p.mu.Unlock()

	logLeaks(fresh)
	return leaks
}
