package gateway

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chartdesk/internal/layout"
	"chartdesk/internal/model"
	"chartdesk/internal/series"
)

// recorder is a sender that keeps every envelope.
type recorder struct {
	mu   sync.Mutex
	envs []Envelope
	drop bool
}

func (r *recorder) send(env Envelope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.drop {
		return false
	}
	r.envs = append(r.envs, env)
	return true
}

func (r *recorder) all() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.envs...)
}

func (r *recorder) find(typ, op string) (Envelope, bool) {
	for _, env := range r.all() {
		if env.Type == typ && (op == "" || env.Op == op) {
			return env, true
		}
	}
	return Envelope{}, false
}

func (r *recorder) last(typ, op string) (Envelope, bool) {
	envs := r.all()
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type == typ && (op == "" || envs[i].Op == op) {
			return envs[i], true
		}
	}
	return Envelope{}, false
}

func (r *recorder) count(typ, op string) int {
	n := 0
	for _, env := range r.all() {
		if env.Type == typ && (op == "" || env.Op == op) {
			n++
		}
	}
	return n
}

type stubLoader struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (l *stubLoader) Get(_ context.Context, _ string, _ model.Timeframe) (series.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return series.Result{}, l.err
	}
	return series.Result{Bars: makeBars(60), FetchedAt: time.Unix(1700000000, 0)}, nil
}

func makeBars(n int) []model.Bar {
	bars := make([]model.Bar, n)
	price := 100.0
	for i := range bars {
		o := price
		price += float64(i%7) - 3
		bars[i] = model.Bar{
			Time:   int64(1700000000 + i*86400),
			Open:   o,
			High:   max(o, price) + 1,
			Low:    min(o, price) - 1,
			Close:  price,
			Volume: int64(1000 + i),
		}
	}
	return bars
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDeps(loader *stubLoader) Deps {
	return Deps{
		Series:       loader,
		Layouts:      layout.NewService(layout.NewMemoryStore()),
		TickInterval: time.Hour,
		Logger:       quietLogger(),
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// holdingLoader blocks loads of one symbol until their context ends.
type holdingLoader struct {
	stubLoader
	symbol    string
	started   chan struct{}
	cancelled chan struct{}
}

func newHoldingLoader(symbol string) *holdingLoader {
	return &holdingLoader{
		symbol:    symbol,
		started:   make(chan struct{}, 1),
		cancelled: make(chan struct{}, 1),
	}
}

func (l *holdingLoader) Get(ctx context.Context, symbol string, tf model.Timeframe) (series.Result, error) {
	if symbol == l.symbol {
		l.started <- struct{}{}
		<-ctx.Done()
		l.cancelled <- struct{}{}
		return series.Result{}, ctx.Err()
	}
	return l.stubLoader.Get(ctx, symbol, tf)
}
