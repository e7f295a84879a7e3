// Package ratelimit throttles payment endpoints per endpoint class and client
// IP with fixed-window counters.
package ratelimit

import (
	"sync"
	"time"
)

type Class string

const (
	ClassInitiate Class = "initiate"
	ClassConfirm  Class = "confirm"
	ClassStatus   Class = "status"
	ClassRefund   Class = "refund"
	ClassWebhook  Class = "webhook"
	ClassBlackcat Class = "blackcat"
	ClassWise     Class = "wise"
)

type Rule struct {
	Max    int
	Window time.Duration
}

// DefaultRules are tightest on refund and webhook routes, loosest on status polling.
func DefaultRules() map[Class]Rule {
	return map[Class]Rule{
		ClassInitiate: {Max: 10, Window: time.Minute},
		ClassConfirm:  {Max: 20, Window: time.Minute},
		ClassStatus:   {Max: 120, Window: time.Minute},
		ClassRefund:   {Max: 5, Window: 15 * time.Minute},
		ClassWebhook:  {Max: 30, Window: time.Minute},
		ClassBlackcat: {Max: 10, Window: time.Minute},
		ClassWise:     {Max: 5, Window: time.Minute},
	}
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	count   int
	resetAt time.Time
}

type key struct {
	class Class
	ip    string
}

type Limiter struct {
	mu      sync.Mutex
	rules   map[Class]Rule
	buckets map[key]*bucket
	now     func() time.Time
}

func New(rules map[Class]Rule) *Limiter {
	return &Limiter{
		rules:   rules,
		buckets: make(map[key]*bucket),
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow counts one request for (class, ip). Classes without a rule are never throttled.
func (l *Limiter) Allow(class Class, ip string) Decision {
	rule, ok := l.rules[class]
	if !ok || rule.Max <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}

	now := l.now()
	k := key{class: class, ip: ip}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.buckets[k]
	if !exists || !now.Before(b.resetAt) {
		l.buckets[k] = &bucket{count: 1, resetAt: now.Add(rule.Window)}
		return Decision{Allowed: true, Remaining: rule.Max - 1}
	}

	if b.count >= rule.Max {
		return Decision{Allowed: false, RetryAfter: b.resetAt.Sub(now)}
	}
	b.count++
	return Decision{Allowed: true, Remaining: rule.Max - b.count}
}

// Sweep drops buckets whose window has elapsed and returns how many it removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, b := range l.buckets {
		if !now.Before(b.resetAt) {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
