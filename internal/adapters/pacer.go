package adapters

import (
	"context"
	"math"
	"net/http"
	"sync"
	"time"
)

const (
	pacerTick           = 10 * time.Second
	pacerDecreaseFactor = 0.6
	pacerIncreaseFactor = 1.25
)

// pacer spaces requests to stay under a per-minute budget. Rate limiting
// and server errors cut the rate; a clean window lets it climb back to the
// configured ceiling. A nil pacer never waits.
type pacer struct {
	mu sync.Mutex

	maxRPM  int
	minRPM  int
	current int
	next    time.Time

	windowStart time.Time
	ok          int
	congested   int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newPacer(rpm int) *pacer {
	if rpm <= 0 {
		return nil
	}
	minRPM := rpm / 10
	if minRPM < 1 {
		minRPM = 1
	}
	return &pacer{
		maxRPM:  rpm,
		minRPM:  minRPM,
		current: rpm,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// wait blocks until the next request slot or ctx is done.
func (p *pacer) wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	now := p.now()
	p.stepLocked(now)
	at := p.next
	if at.Before(now) {
		at = now
	}
	p.next = at.Add(time.Minute / time.Duration(p.current))
	p.mu.Unlock()

	if d := at.Sub(now); d > 0 {
		return p.sleep(ctx, d)
	}
	return nil
}

// observe records one response. status is zero when the request never got one.
func (p *pacer) observe(status int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if status == 0 || status == http.StatusTooManyRequests || status >= 500 {
		p.congested++
		return
	}
	p.ok++
}

func (p *pacer) stepLocked(now time.Time) {
	if p.windowStart.IsZero() {
		p.windowStart = now
		return
	}
	if now.Sub(p.windowStart) < pacerTick {
		return
	}

	next := p.current
	if p.congested > 0 {
		next = int(math.Floor(float64(p.current) * pacerDecreaseFactor))
		if next < p.minRPM {
			next = p.minRPM
		}
	} else if p.ok > 0 {
		next = int(math.Ceil(float64(p.current) * pacerIncreaseFactor))
		if next > p.maxRPM {
			next = p.maxRPM
		}
	}
	p.current = next
	p.ok, p.congested = 0, 0
	p.windowStart = now
}

func (p *pacer) currentRPM() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}
