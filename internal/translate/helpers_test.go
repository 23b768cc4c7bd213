package translate

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/logging"
)

// fakeClock advances instantly when slept on
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type providerCall struct {
	text string
	key  string
}

// stubProvider records calls and answers through fn
type stubProvider struct {
	mu    sync.Mutex
	name  string
	rpm   int
	calls []providerCall
	fn    func(n int, text, key string) (string, error)
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) RPM() int     { return s.rpm }

func (s *stubProvider) TranslateBatch(ctx context.Context, text, targetLang, key string) (string, error) {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, providerCall{text: text, key: key})
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.fn(n, text, key)
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func quietLogger() *logging.Logger {
	return logging.NewLoggerTo(io.Discard, "test")
}
