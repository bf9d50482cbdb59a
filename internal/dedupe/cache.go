// ABOUTME: Bounded TTL guard against provider redeliveries of the same inbound message
// ABOUTME: Keys are tenant plus provider delivery id; the first claim wins

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type claim struct {
	at      time.Time
	element *list.Element
}

// Guard remembers recently claimed deliveries so a webhook retried by the
// provider is answered once. Oldest claims are evicted when full.
type Guard struct {
	mu      sync.Mutex
	claims  map[string]*claim
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Guard and starts its sweeper
func New(ttl time.Duration, maxSize int) *Guard {
	if maxSize <= 0 {
		maxSize = 1
	}
	g := &Guard{
		claims:  make(map[string]*claim),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go g.sweep()
	return g
}

func key(tenantID, deliveryID string) string {
	return tenantID + "\x00" + deliveryID
}

// Claim reports whether this is the first time the delivery was seen within
// the TTL, and records it. An empty deliveryID is always claimable.
func (g *Guard) Claim(tenantID, deliveryID string) bool {
	if deliveryID == "" {
		return true
	}
	k := key(tenantID, deliveryID)

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if c, ok := g.claims[k]; ok {
		if now.Sub(c.at) < g.ttl {
			return false
		}
		c.at = now
		g.order.MoveToBack(c.element)
		return true
	}

	if len(g.claims) >= g.maxSize {
		g.evictOldest()
	}
	g.claims[k] = &claim{at: now, element: g.order.PushBack(k)}
	return true
}

// Release forgets a claim so the provider's retry is processed again.
// Used when handling failed before anything was recorded.
func (g *Guard) Release(tenantID, deliveryID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(key(tenantID, deliveryID))
}

// Len returns the number of remembered claims
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.claims)
}

func (g *Guard) removeLocked(k string) {
	if c, ok := g.claims[k]; ok {
		g.order.Remove(c.element)
		delete(g.claims, k)
	}
}

// evictOldest must be called with mu held
func (g *Guard) evictOldest() {
	front := g.order.Front()
	if front == nil {
		return
	}
	k, _ := front.Value.(string)
	g.order.Remove(front)
	delete(g.claims, k)
}

func (g *Guard) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.expire()
		case <-g.done:
			return
		}
	}
}

// expire drops claims older than the TTL. Claims are ordered by age, so it
// stops at the first live one.
func (g *Guard) expire() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for e := g.order.Front(); e != nil; {
		k, _ := e.Value.(string)
		c := g.claims[k]
		if c == nil || now.Sub(c.at) < g.ttl {
			return
		}
		next := e.Next()
		g.order.Remove(e)
		delete(g.claims, k)
		e = next
	}
}

// Close stops the sweeper. Safe to call more than once.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		close(g.done)
		g.closed = true
	}
}
