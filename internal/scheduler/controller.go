/**
 * Adaptive Concurrency Controller
 *
 * Runs images through a fixed pool of workers while gating them with a
 * dynamic concurrency level. The level starts at 1 and follows an
 * exponential moving average of per-item latency: cheap items raise it up to
 * the hard maximum, slow items lower it toward 1. Each item gets a bounded
 * retry budget with linear backoff, and membership is tracked per stable
 * identity so a changed image is reprocessed while an unchanged one is not.
 */

package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/errors"
	"github.com/adverant/nexus/imagetranslate-worker/internal/logging"
	"golang.org/x/sync/errgroup"
)

const (
	// HardMaxConcurrency caps MaxConcurrency regardless of configuration
	HardMaxConcurrency  = 6
	DefaultRetryBudget  = 3
	DefaultRetryBackoff = time.Second
	DefaultFastMs       = 450
	DefaultSlowMs       = 1500
	DefaultSeedMs       = 800
)

var (
	// ErrHalted is returned for work refused after Halt
	ErrHalted = stderrors.New("controller halted")
	// ErrSkipped is returned for items already processed or in flight
	ErrSkipped = stderrors.New("item already processed or in flight")
)

// Item is a unit of work with a stable identity and a content signature
type Item interface {
	ID() string
	Signature() string
}

// ProcessFunc handles one item. ctx is canceled when the item is
// invalidated, rescanned or the caller gives up.
type ProcessFunc func(ctx context.Context, item Item) error

// Clock abstracts time for latency measurement and backoff
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ControllerConfig holds controller configuration
type ControllerConfig struct {
	MaxConcurrency int
	RetryBudget    int
	RetryBackoff   time.Duration
	FastMs         float64
	SlowMs         float64
	SeedMs         float64
	Clock          Clock
	States         *StateTable
	Logger         *logging.Logger
}

// Stats is a snapshot of controller state
type Stats struct {
	Active    int     `json:"active"`
	Dynamic   int     `json:"dynamic"`
	Max       int     `json:"max"`
	Peak      int     `json:"peak"`
	EMAMs     float64 `json:"emaMs"`
	Processed int64   `json:"processed"`
	Failed    int64   `json:"failed"`
	Retries   int64   `json:"retries"`
	Halted    bool    `json:"halted"`
}

// Controller gates item processing with latency-adaptive concurrency
type Controller struct {
	cfg    ControllerConfig
	states *StateTable
	logger *logging.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	active    int
	peak      int
	dynamic   int
	ema       float64
	halted    bool
	processed int64
	failed    int64
	retries   int64
}

// NewController creates a controller, filling defaults for unset fields
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("MaxConcurrency must be at least 1, got %d", cfg.MaxConcurrency)
	}
	cfg.MaxConcurrency = min(cfg.MaxConcurrency, HardMaxConcurrency)
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.FastMs <= 0 {
		cfg.FastMs = DefaultFastMs
	}
	if cfg.SlowMs <= 0 {
		cfg.SlowMs = DefaultSlowMs
	}
	if cfg.SeedMs <= 0 {
		cfg.SeedMs = DefaultSeedMs
	}
	if cfg.FastMs >= cfg.SlowMs {
		return nil, fmt.Errorf("FastMs (%v) must be below SlowMs (%v)", cfg.FastMs, cfg.SlowMs)
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
	if cfg.States == nil {
		cfg.States = NewStateTable()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("controller")
	}

	c := &Controller{
		cfg:     cfg,
		states:  cfg.States,
		logger:  cfg.Logger,
		dynamic: 1,
		ema:     cfg.SeedMs,
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// States returns the identity table
func (c *Controller) States() *StateTable { return c.states }

// Run processes items with a pool of MaxConcurrency workers. Item failures
// are absorbed by the retry budget and never stop the queue. Run returns
// when every item has been handled or ctx ends.
func (c *Controller) Run(ctx context.Context, items []Item, fn ProcessFunc) error {
	queue := make(chan Item)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for _, it := range items {
			select {
			case queue <- it:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < c.cfg.MaxConcurrency; w++ {
		g.Go(func() error {
			for it := range queue {
				if err := c.Do(gctx, it, fn); err != nil && !stderrors.Is(err, ErrSkipped) {
					c.logger.Debug("Item not completed", "item", it.ID(), "error", err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Do runs one item through the slot gate with retries. Queue consumers call
// it directly. It returns ErrSkipped for items already handled, ErrHalted
// after Halt, an aborted error when the item was canceled, or the last item
// error once the retry budget is spent.
func (c *Controller) Do(ctx context.Context, item Item, fn ProcessFunc) error {
	if c.isHalted() {
		return ErrHalted
	}

	id := item.ID()
	itemCtx, gen, ok := c.states.Begin(ctx, id, item.Signature())
	if !ok {
		return ErrSkipped
	}

	for {
		attempt := c.states.Attempt(id, gen)
		if attempt == 0 {
			return errors.NewAbortedError(context.Canceled)
		}

		release, err := c.acquire(itemCtx)
		if err != nil {
			if stderrors.Is(err, ErrHalted) {
				c.states.Finish(id, gen, false)
				return err
			}
			c.states.Finish(id, gen, true)
			return errors.NewAbortedError(err)
		}

		start := c.cfg.Clock.Now()
		err = fn(itemCtx, item)
		release(c.cfg.Clock.Now().Sub(start))

		if err == nil {
			c.states.Finish(id, gen, true)
			c.count(&c.processed)
			return nil
		}
		if itemCtx.Err() != nil {
			c.states.Finish(id, gen, true)
			return errors.NewAbortedError(itemCtx.Err())
		}
		if errors.CodeOf(err) == errors.ErrorServiceDegraded || c.isHalted() {
			c.states.Finish(id, gen, false)
			return err
		}
		if attempt >= c.cfg.RetryBudget {
			c.logger.Warn("Retry budget exhausted, skipping item", "item", id, "attempts", attempt, "error", err)
			c.states.Finish(id, gen, true)
			c.count(&c.failed)
			return err
		}

		backoff := c.cfg.RetryBackoff * time.Duration(attempt)
		c.logger.Info("Item failed, retrying", "item", id, "attempt", attempt, "backoff", backoff, "error", err)
		c.count(&c.retries)
		if err := c.cfg.Clock.Sleep(itemCtx, backoff); err != nil {
			c.states.Finish(id, gen, true)
			return errors.NewAbortedError(err)
		}
	}
}

// acquire blocks until a slot is free under the dynamic limit. The returned
// release must be called with the item's wall-clock duration.
func (c *Controller) acquire(ctx context.Context) (func(time.Duration), error) {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.active >= c.dynamic && !c.halted && ctx.Err() == nil {
		c.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.halted {
		return nil, ErrHalted
	}

	c.active++
	c.peak = max(c.peak, c.active)
	var once sync.Once
	return func(d time.Duration) {
		once.Do(func() { c.release(d) })
	}, nil
}

func (c *Controller) release(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active--
	ms := float64(d) / float64(time.Millisecond)
	c.ema = c.ema*0.8 + ms*0.2
	switch {
	case c.ema < c.cfg.FastMs && c.dynamic < c.cfg.MaxConcurrency:
		c.dynamic++
	case c.ema > c.cfg.SlowMs && c.dynamic > 1:
		c.dynamic--
	}
	c.cond.Broadcast()
}

// Halt refuses new work. Items waiting for a slot give up with ErrHalted;
// running items finish.
func (c *Controller) Halt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.halted {
		c.logger.Warn("Halting, no new work will be scheduled")
	}
	c.halted = true
	c.cond.Broadcast()
}

// Resume accepts work again after Halt
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halted = false
	c.cond.Broadcast()
}

// Rescan forgets id so the next Do processes it again, canceling any
// in-flight run.
func (c *Controller) Rescan(id string) bool {
	return c.states.Forget(id)
}

// Stats returns a snapshot
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Active:    c.active,
		Dynamic:   c.dynamic,
		Max:       c.cfg.MaxConcurrency,
		Peak:      c.peak,
		EMAMs:     c.ema,
		Processed: c.processed,
		Failed:    c.failed,
		Retries:   c.retries,
		Halted:    c.halted,
	}
}

func (c *Controller) isHalted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

func (c *Controller) count(n *int64) {
	c.mu.Lock()
	*n++
	c.mu.Unlock()
}
