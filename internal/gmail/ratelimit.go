package gmail

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Operation identifies a Gmail API call with its quota cost in units.
type Operation int

const (
	OpMessagesList   Operation = iota // 5 units
	OpMessagesGet                     // 5 units
	OpMessagesSend                    // 100 units
	OpMessagesModify                  // 5 units
	OpLabelsList                      // 1 unit
	OpLabelCreate                     // 5 units
)

// Cost returns the per-user quota units charged for an operation.
func (o Operation) Cost() int {
	switch o {
	case OpMessagesSend:
		return 100
	case OpMessagesList, OpMessagesGet, OpMessagesModify, OpLabelCreate:
		return 5
	default:
		return 1
	}
}

// DefaultUnitsPerSecond matches Gmail's per-user quota of 250 units/s.
const DefaultUnitsPerSecond = 250

// Pacer gates outbound API calls against the per-user quota and supports
// adaptive throttling when the provider pushes back with 429/403 quota
// responses.
type Pacer struct {
	lim *rate.Limiter

	mu          sync.Mutex
	pausedUntil time.Time

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPacer returns a pacer refilling the given quota units per second.
func NewPacer(unitsPerSecond float64) *Pacer {
	if unitsPerSecond <= 0 {
		unitsPerSecond = DefaultUnitsPerSecond
	}
	return &Pacer{
		lim:   rate.NewLimiter(rate.Limit(unitsPerSecond), DefaultUnitsPerSecond),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Acquire blocks until the operation's quota cost is available, honoring
// any active throttle window first.
func (p *Pacer) Acquire(ctx context.Context, op Operation) error {
	p.mu.Lock()
	wait := p.pausedUntil.Sub(p.now())
	p.mu.Unlock()

	if wait > 0 {
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return p.lim.WaitN(ctx, op.Cost())
}

// Throttle pauses all calls for the given duration. An existing longer
// pause is never shortened.
func (p *Pacer) Throttle(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	until := p.now().Add(d)
	if until.After(p.pausedUntil) {
		p.pausedUntil = until
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
