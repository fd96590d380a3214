package flush

import (
	"sync"
	"time"
)

// delayedTask is a cancellable one-shot timer. Arm replaces any pending fire,
// so re-arming on new input is a single call.
type delayedTask struct {
	mu    sync.Mutex
	timer *time.Timer
}

// Arm schedules fire to run after delay, cancelling any previously armed fire.
func (d *delayedTask) Arm(delay time.Duration, fire func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(delay, fire)
}

// Cancel stops any pending fire. A fire already running is not interrupted.
func (d *delayedTask) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
