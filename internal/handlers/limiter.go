package handlers

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterPool throttles inbound websocket events per user, shared by all of
// the user's sessions.
type limiterPool struct {
	mu    sync.Mutex
	m     map[int]*rate.Limiter
	rps   float64
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &limiterPool{m: make(map[int]*rate.Limiter), rps: rps, burst: burst}
}

func (p *limiterPool) get(userID int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[userID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[userID] = l
	return l
}

func (p *limiterPool) Allow(userID int) bool {
	return p.get(userID).Allow()
}

// forget drops the limiter once the user has no sessions left.
func (p *limiterPool) forget(userID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, userID)
}
