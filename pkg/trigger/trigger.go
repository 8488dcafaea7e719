// Package trigger starts sync runs in response to webhooks, reference
// changes on disk and a periodic schedule.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

// Sink starts a background sync of a repository. *lifecycle.Manager
// implements it.
type Sink interface {
	Trigger(ctx context.Context, name string) error
}

// Lister enumerates repositories.
type Lister interface {
	Repositories(ctx context.Context) ([]*store.Repository, error)
}

// debouncer runs fn once delay has passed without another call to trigger.
type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
	gen   uint64
	fn    func()
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}

	d.gen++
	gen := d.gen

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		stale := gen != d.gen
		d.mu.Unlock()

		if !stale {
			d.fn()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.gen++
}
