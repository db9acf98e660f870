package session

import (
	"context"
	"time"
)

// CheckConnections sweeps ready sessions and demotes the ones whose
// transport dropped without telling us. It returns how many were demoted.
func (r *Registry) CheckConnections() int {
	r.mu.RLock()
	ready := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.State() == StateReady {
			ready = append(ready, id)
		}
	}
	r.mu.RUnlock()

	lost := 0
	for _, id := range ready {
		if _, err := r.Live(id); err != nil {
			lost++
		}
	}
	if lost > 0 {
		r.log.Warn().Int("lost", lost).Int("checked", len(ready)).Msg("connection check found dropped sessions")
	}
	return lost
}

// Watch runs CheckConnections every interval until ctx ends or the
// registry is closed.
func (r *Registry) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.CheckConnections()
		}
	}
}
