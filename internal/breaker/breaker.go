package breaker

import (
	"sync"
	"time"
)

// Breaker trips per key (e.g. "presence") after Threshold failures inside
// Window and rejects calls for OpenFor. The first call after OpenFor is let
// through as a probe; its outcome closes or re-opens the breaker.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	openFor   time.Duration
	now       func() time.Time

	keys map[string]*keyState
}

type keyState struct {
	failures  int
	firstFail time.Time
	openUntil time.Time
}

type Options struct {
	Threshold int
	Window    time.Duration
	OpenFor   time.Duration
}

func New(opt Options) *Breaker {
	if opt.Threshold <= 0 {
		opt.Threshold = 5
	}
	if opt.Window <= 0 {
		opt.Window = 10 * time.Second
	}
	if opt.OpenFor <= 0 {
		opt.OpenFor = 5 * time.Second
	}
	return &Breaker{
		threshold: opt.Threshold,
		window:    opt.Window,
		openFor:   opt.OpenFor,
		now:       time.Now,
		keys:      make(map[string]*keyState),
	}
}

func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.keys[key]
	if !ok {
		return true
	}
	return s.openUntil.IsZero() || !b.now().Before(s.openUntil)
}

func (b *Breaker) Success(key string) {
	b.mu.Lock()
	delete(b.keys, key)
	b.mu.Unlock()
}

// Failure records a failure and reports whether it tripped the breaker.
func (b *Breaker) Failure(key string) (opened bool) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.keys[key]
	if !ok || now.Sub(s.firstFail) > b.window {
		s = &keyState{firstFail: now}
		b.keys[key] = s
	}
	s.failures++
	if s.failures >= b.threshold {
		s.openUntil = now.Add(b.openFor)
		s.failures = 0
		s.firstFail = now
		return true
	}
	return false
}
