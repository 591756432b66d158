package lsm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zhangyunhao116/fastrand"
)

// worker runs a maintenance function on an interval or when nudged.
// Failures are logged and retried with jittered exponential backoff;
// the loop never dies while the engine is open.
type worker struct {
	name string
	log  *slog.Logger

	interval time.Duration
	notify   chan struct{}
	run      func() error

	cancel func()
	wg     sync.WaitGroup
}

func newWorker(name string, log *slog.Logger, interval time.Duration, run func() error) *worker {
	return &worker{
		name:     name,
		log:      log,
		interval: interval,
		notify:   make(chan struct{}, 1),
		run:      run,
		cancel:   func() {},
	}
}

func (w *worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		backoff := w.interval
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.notify:
			case <-ticker.C:
			}

			if err := w.run(); err != nil {
				w.log.Error("background task failed",
					"worker", w.name, "err", err, "backoff", backoff)
				sleep := backoff + time.Duration(fastrand.Int63n(int64(backoff)))
				select {
				case <-ctx.Done():
					return
				case <-time.After(sleep):
				}
				if backoff < time.Minute {
					backoff *= 2
				}
				continue
			}
			backoff = w.interval
		}
	}()
}

// Notify nudges the loop without waiting for the ticker. Safe to call
// from any goroutine; a pending nudge is never duplicated.
func (w *worker) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and waits for the in-flight run to finish.
// In-flight work is never abandoned halfway.
func (w *worker) Stop() {
	w.cancel()
	w.wg.Wait()
}
