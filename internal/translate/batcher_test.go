package translate

import (
	"context"
	stderrors "errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/cache"
	"github.com/adverant/nexus/imagetranslate-worker/internal/errors"
)

func newTestBatcher(t *testing.T, p Provider, clock *fakeClock, keys ...string) *Batcher {
	t.Helper()
	if len(keys) == 0 {
		keys = []string{"k1"}
	}
	b, err := NewBatcher(BatcherConfig{
		Provider:  p,
		Keys:      keys,
		Clock:     clock,
		Scheduler: NewScheduler(clock),
		Breaker:   NewBreaker(clock, 3, 5*time.Minute),
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}
	return b
}

func TestTranslateAllKeepsIndexAlignment(t *testing.T) {
	p := &stubProvider{name: "stub", fn: func(_ int, text, _ string) (string, error) {
		if text != "你好"+Delimiter+"世界" {
			return "", stderrors.New("unexpected chunk " + text)
		}
		return "HI\n<sb>\n世界", nil
	}}
	b := newTestBatcher(t, p, newFakeClock())

	got, err := b.TranslateAll(context.Background(), []string{"你好", "", "世界"}, "en")
	if err != nil {
		t.Fatalf("TranslateAll: %v", err)
	}
	want := []string{"HI", "", "世界"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
	if p.callCount() != 1 {
		t.Errorf("expected one provider call, got %d", p.callCount())
	}
}

func TestTranslateAllSkipsBlankInput(t *testing.T) {
	p := &stubProvider{name: "stub", fn: func(int, string, string) (string, error) {
		return "x", nil
	}}
	b := newTestBatcher(t, p, newFakeClock())

	for _, input := range [][]string{nil, {}, {"", "  ", "!!"}, {"www.example.com"}} {
		got, err := b.TranslateAll(context.Background(), input, "en")
		if err != nil {
			t.Fatalf("TranslateAll(%q): %v", input, err)
		}
		if len(got) != len(input) {
			t.Fatalf("TranslateAll(%q) returned %d entries", input, len(got))
		}
		for i, s := range got {
			if s != "" {
				t.Errorf("entry %d = %q, want empty", i, s)
			}
		}
	}
	if p.callCount() != 0 {
		t.Errorf("expected no provider calls, got %d", p.callCount())
	}
}

func TestTranslateAllRealignsShortOutput(t *testing.T) {
	testCases := []struct {
		name     string
		response string
		want     []string
	}{
		{name: "fewer segments", response: "A", want: []string{"A", "b", "c"}},
		{name: "blank middle", response: "A\n<sb>\n \n<sb>\nC", want: []string{"A", "b", "C"}},
		{name: "all blank", response: "\n<sb>\n", want: []string{"a", "b", "c"}},
		{name: "extra segments", response: "A\n<sb>\nB\n<sb>\nC\n<sb>\nD", want: []string{"A", "B", "C"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := &stubProvider{name: "stub", fn: func(int, string, string) (string, error) {
				return tc.response, nil
			}}
			b := newTestBatcher(t, p, newFakeClock())
			got, err := b.TranslateAll(context.Background(), []string{"a", "b", "c"}, "fr")
			if err != nil {
				t.Fatalf("TranslateAll: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTranslateAllRetriesTransientOnSameKey(t *testing.T) {
	clock := newFakeClock()
	p := &stubProvider{name: "stub", fn: func(n int, _, _ string) (string, error) {
		if n == 0 {
			return "", errors.NewTransientError("stub", stderrors.New("connection reset"))
		}
		return "ok", nil
	}}
	b := newTestBatcher(t, p, clock, "k1", "k2")

	got, err := b.TranslateAll(context.Background(), []string{"hello"}, "fr")
	if err != nil {
		t.Fatalf("TranslateAll: %v", err)
	}
	if got[0] != "ok" {
		t.Errorf("got %q", got[0])
	}
	if p.calls[0].key != "k1" || p.calls[1].key != "k1" {
		t.Errorf("transient retry should stay on the first key, calls=%v", p.calls)
	}
	if len(clock.slept) != 1 || clock.slept[0] != DefaultRetryDelay {
		t.Errorf("expected one back-off of %v, got %v", DefaultRetryDelay, clock.slept)
	}
}

func TestTranslateAllFailsOverOnQuota(t *testing.T) {
	clock := newFakeClock()
	p := &stubProvider{name: "stub", fn: func(_ int, _, key string) (string, error) {
		if key == "k1" {
			return "", errors.NewQuotaExceededError("stub", 30*time.Second, stderrors.New("429"))
		}
		return "bonjour", nil
	}}
	b := newTestBatcher(t, p, clock, "k1", "k2")
	start := clock.Now()

	got, err := b.TranslateAll(context.Background(), []string{"hello"}, "fr")
	if err != nil {
		t.Fatalf("TranslateAll: %v", err)
	}
	if got[0] != "bonjour" {
		t.Errorf("got %q", got[0])
	}
	if p.callCount() != 2 {
		t.Errorf("quota should not be retried on the same key, calls=%v", p.calls)
	}
	if until := b.cfg.Scheduler.CooldownUntil("k1"); !until.Equal(start.Add(30 * time.Second)) {
		t.Errorf("k1 cooldown until %v, want %v", until, start.Add(30*time.Second))
	}
	if st := b.Breaker().State(errors.ErrorQuotaExceeded, "stub"); st.Count != 1 {
		t.Errorf("breaker count = %d, want 1", st.Count)
	}
}

func TestTranslateAllDegradesAfterRepeatedQuota(t *testing.T) {
	clock := newFakeClock()
	p := &stubProvider{name: "stub", fn: func(int, string, string) (string, error) {
		return "", errors.NewQuotaExceededError("stub", 0, stderrors.New("quota"))
	}}
	b := newTestBatcher(t, p, clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := b.TranslateAll(ctx, []string{"hello"}, "fr")
		if err != nil {
			t.Fatalf("call %d: unexpected error %v", i, err)
		}
		if got[0] != "hello" {
			t.Errorf("call %d: failed chunk should keep source, got %q", i, got[0])
		}
	}

	_, err := b.TranslateAll(ctx, []string{"hello"}, "fr")
	if !stderrors.Is(err, errors.ErrServiceDegraded) {
		t.Fatalf("third failure should report degraded, got %v", err)
	}

	calls := p.callCount()
	got, err := b.TranslateAll(ctx, []string{"hello", "", "world"}, "fr")
	if !stderrors.Is(err, errors.ErrServiceDegraded) {
		t.Fatalf("open circuit should report degraded, got %v", err)
	}
	if p.callCount() != calls {
		t.Errorf("open circuit must not call the provider")
	}
	if want := []string{"hello", "", "world"}; !reflect.DeepEqual(got, want) {
		t.Errorf("pass-through got %q, want %q", got, want)
	}

	b.Breaker().Clear()
	if _, open := b.Breaker().Tripped("stub"); open {
		t.Errorf("Clear should close the circuit")
	}
}

func TestTranslateAllRetriesAfterBreakerWindow(t *testing.T) {
	clock := newFakeClock()
	failing := true
	p := &stubProvider{name: "stub", fn: func(int, string, string) (string, error) {
		if failing {
			return "", errors.NewQuotaExceededError("stub", 0, stderrors.New("quota"))
		}
		return "bonjour", nil
	}}
	b := newTestBatcher(t, p, clock)
	ctx := context.Background()

	var err error
	for i := 0; i < 3; i++ {
		_, err = b.TranslateAll(ctx, []string{"hello"}, "fr")
	}
	if !stderrors.Is(err, errors.ErrServiceDegraded) {
		t.Fatalf("expected the circuit to open, got %v", err)
	}

	failing = false
	clock.Advance(4 * time.Minute)
	calls := p.callCount()
	if _, err := b.TranslateAll(ctx, []string{"hello"}, "fr"); !stderrors.Is(err, errors.ErrServiceDegraded) {
		t.Fatalf("circuit should stay open inside the window, got %v", err)
	}
	if p.callCount() != calls {
		t.Fatalf("open circuit must not call the provider")
	}

	clock.Advance(DefaultBreakerWindow)
	got, err := b.TranslateAll(ctx, []string{"hello"}, "fr")
	if err != nil {
		t.Fatalf("after the window: %v", err)
	}
	if got[0] != "bonjour" {
		t.Errorf("got %q, want bonjour", got[0])
	}
	if p.callCount() != calls+1 {
		t.Errorf("provider calls = %d, want %d", p.callCount(), calls+1)
	}
}

func TestTranslateAllAbort(t *testing.T) {
	p := &stubProvider{name: "stub", fn: func(int, string, string) (string, error) {
		return "x", nil
	}}
	b := newTestBatcher(t, p, newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := b.TranslateAll(ctx, []string{"one", "two"}, "fr")
	if !stderrors.Is(err, errors.ErrAborted) {
		t.Fatalf("expected aborted, got %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("aborted result must stay complete, got %d entries", len(got))
	}
	if p.callCount() != 0 {
		t.Errorf("aborted batch should not reach the provider")
	}
	if _, open := b.Breaker().Tripped("stub"); open {
		t.Errorf("abort must not count toward the breaker")
	}
}

func TestTranslateAllSplitsLongSegment(t *testing.T) {
	p := &stubProvider{name: "stub", fn: func(_ int, text, _ string) (string, error) {
		return strings.ReplaceAll(strings.ToUpper(text), "<SB>", "<sb>"), nil
	}}
	b := newTestBatcher(t, p, newFakeClock())

	long := strings.Repeat("abcd ", 300)
	got, err := b.TranslateAll(context.Background(), []string{long, "tail"}, "fr")
	if err != nil {
		t.Fatalf("TranslateAll: %v", err)
	}
	if len(got) != 2 || got[1] != "TAIL" {
		t.Fatalf("unexpected output %q", got)
	}
	if strings.ReplaceAll(got[0], " ", "") != strings.ReplaceAll(strings.ToUpper(long), " ", "") {
		t.Errorf("split pieces were not joined back into one slot")
	}
}

func TestTranslateAllUsesMemo(t *testing.T) {
	p := &stubProvider{name: "stub", fn: func(int, string, string) (string, error) {
		return "salut", nil
	}}
	clock := newFakeClock()
	b, err := NewBatcher(BatcherConfig{
		Provider: p,
		Keys:     []string{"k"},
		Clock:    clock,
		Memo:     cache.NewLRU(16),
		MemoTTL:  time.Hour,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := b.TranslateAll(context.Background(), []string{"hi"}, "fr")
		if err != nil || got[0] != "salut" {
			t.Fatalf("call %d: got %q, %v", i, got, err)
		}
	}
	if p.callCount() != 1 {
		t.Errorf("memo should serve repeats, provider called %d times", p.callCount())
	}
}

func TestNewBatcherRequiresProvider(t *testing.T) {
	if _, err := NewBatcher(BatcherConfig{}); err == nil {
		t.Errorf("expected error without provider")
	}
}
