package gmail

import (
	"context"
	"testing"
	"time"
)

func TestOperationCost(t *testing.T) {
	if got := OpMessagesSend.Cost(); got != 100 {
		t.Errorf("send cost = %d, want 100", got)
	}
	if got := OpMessagesGet.Cost(); got != 5 {
		t.Errorf("get cost = %d, want 5", got)
	}
	if got := OpLabelsList.Cost(); got != 1 {
		t.Errorf("labels list cost = %d, want 1", got)
	}
}

func TestPacerHonorsThrottleWindow(t *testing.T) {
	base := time.Now()
	p := NewPacer(DefaultUnitsPerSecond)
	p.now = func() time.Time { return base }

	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	p.Throttle(30 * time.Second)
	if err := p.Acquire(context.Background(), OpMessagesList); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(slept) != 1 || slept[0] != 30*time.Second {
		t.Errorf("slept = %v, want one 30s wait", slept)
	}
}

func TestThrottleNeverShortens(t *testing.T) {
	base := time.Now()
	p := NewPacer(DefaultUnitsPerSecond)
	p.now = func() time.Time { return base }

	p.Throttle(60 * time.Second)
	p.Throttle(10 * time.Second)
	if got := p.pausedUntil; !got.Equal(base.Add(60 * time.Second)) {
		t.Errorf("pausedUntil = %v, want base+60s", got)
	}
}

func TestAcquireWithoutThrottle(t *testing.T) {
	p := NewPacer(DefaultUnitsPerSecond)
	p.sleep = func(ctx context.Context, d time.Duration) error {
		t.Errorf("unexpected sleep of %v", d)
		return nil
	}
	if err := p.Acquire(context.Background(), OpMessagesGet); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
}
