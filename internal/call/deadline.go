package call

import (
	"time"

	"github.com/benbjohnson/clock"
)

// deadline is a cancellable one-shot timer whose callback runs on the engine
// loop. A callback that fires after stop or rearm is discarded.
type deadline struct {
	timer *clock.Timer
	seq   uint64
}

func (d *deadline) arm(clk clock.Clock, after time.Duration, post func(func()), fn func()) {
	d.stop()
	seq := d.seq
	d.timer = clk.AfterFunc(after, func() {
		post(func() {
			if seq != d.seq {
				return
			}
			d.timer = nil
			fn()
		})
	})
}

func (d *deadline) stop() {
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
