package gc

import (
	"log/slog"
	"time"
)

// signal performs a non-blocking send on a buffered wake-up channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Start launches the background goroutine. Starting a running collector has
// no effect.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go c.loop(c.stop, c.done)
	c.logger.Info("collector started",
		slog.Duration("interval", c.cfg.CollectionInterval),
		slog.Bool("incremental", c.cfg.Incremental))
}

// Stop signals the background goroutine and waits for it to exit. A pass in
// progress runs to completion first.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	done := c.done
	c.mu.Unlock()

	<-done
	c.logger.Info("collector stopped")
}

// Running reports whether the background goroutine is active.
func (c *Collector) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Collector) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(c.Config().CollectionInterval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.reconfig:
			// Fall through to reset the timer with the new interval.
		case <-c.wake:
			c.runPass()
		case <-timer.C:
			c.runPass()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.Config().CollectionInterval)
	}
}

func (c *Collector) runPass() {
	if c.Config().Incremental {
		c.collectIncremental()
		return
	}
	c.collectFull()
}

// maybeWakeForMemory requests a pass once tracked memory reaches the
// configured threshold.
func (c *Collector) maybeWakeForMemory() {
	c.mu.Lock()
	threshold := c.cfg.MemoryThreshold
	running := c.running
	c.mu.Unlock()

	if running && threshold > 0 && c.totalMemory.Load() >= threshold {
		signal(c.wake)
	}
}
