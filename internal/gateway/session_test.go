package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"chartdesk/internal/chart"
	"chartdesk/internal/layout"
	"chartdesk/internal/model"
)

func openSession(t *testing.T, deps Deps) (*Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := newSession(context.Background(), rec, deps, NewLoadTimes(10))
	t.Cleanup(s.close)
	return s, rec
}

func identity(symbol string) *model.Identity {
	return &model.Identity{
		Symbol:     symbol,
		Timeframe:  model.TF1D,
		Indicators: model.IndicatorSet{Volume: true, SMA: true, RSI: true},
		ChartType:  model.ChartCandlestick,
	}
}

func waitLive(t *testing.T, s *Session, rec *recorder) chart.Snapshot {
	t.Helper()
	eventually(t, func() bool { return rec.count("state", "") > 0 }, "state envelope")
	env, _ := rec.find("state", "")
	snap, ok := env.Data.(chart.Snapshot)
	if !ok {
		t.Fatalf("state data is %T", env.Data)
	}
	return snap
}

func TestSessionOpenBuildsChart(t *testing.T) {
	loader := &stubLoader{}
	s, rec := openSession(t, testDeps(loader))

	s.handle(inbound{Type: "open", ReqID: "r1", Identity: identity("aapl"), Width: 800, Height: 500})
	snap := waitLive(t, s, rec)

	if snap.State != chart.Live.String() {
		t.Errorf("state = %q, want live", snap.State)
	}
	if snap.Bars != 60 {
		t.Errorf("bars = %d, want 60", snap.Bars)
	}
	if snap.Identity.Symbol != "AAPL" {
		t.Errorf("symbol = %q, want AAPL", snap.Identity.Symbol)
	}
	if got := rec.count("widget", "create"); got != 2 {
		t.Errorf("created panes = %d, want 2 (main, rsi)", got)
	}
	if !s.showing("AAPL:1D") {
		t.Error("session should report the open series")
	}
	if s.loads.Stats().Count != 1 {
		t.Errorf("load samples = %d, want 1", s.loads.Stats().Count)
	}
}

// applyIdle reports whether no identity change is queued or running.
func applyIdle(s *Session) bool {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	return s.pending == nil && !s.inflight
}

func TestSessionLastOpenWins(t *testing.T) {
	for i := 0; i < 50; i++ {
		s, _ := openSession(t, testDeps(&stubLoader{}))

		s.handle(inbound{Type: "open", ReqID: "a", Identity: identity("AAPL"), Width: 800, Height: 500})
		s.handle(inbound{Type: "open", ReqID: "b", Identity: identity("MSFT"), Width: 800, Height: 500})

		eventually(t, func() bool {
			snap := s.orch.Snapshot()
			return applyIdle(s) && snap.State == chart.Live.String() && snap.Identity.Symbol == "MSFT"
		}, "MSFT live")

		if !s.showing("MSFT:1D") || s.showing("AAPL:1D") {
			t.Fatalf("run %d: session routes the wrong series", i)
		}
	}
}

func TestSessionOpenCancelsPendingLoad(t *testing.T) {
	deps := testDeps(&stubLoader{})
	loader := newHoldingLoader("AAPL")
	deps.Series = loader
	s, rec := openSession(t, deps)

	s.handle(inbound{Type: "open", ReqID: "a", Identity: identity("AAPL"), Width: 800, Height: 500})
	select {
	case <-loader.started:
	case <-time.After(2 * time.Second):
		t.Fatal("AAPL load never started")
	}

	s.handle(inbound{Type: "open", ReqID: "b", Identity: identity("MSFT"), Width: 800, Height: 500})
	select {
	case <-loader.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("AAPL load was not cancelled")
	}

	snap := waitLive(t, s, rec)
	if snap.Identity.Symbol != "MSFT" {
		t.Errorf("live symbol = %q, want MSFT", snap.Identity.Symbol)
	}
	if env, ok := rec.find("state", ""); !ok || env.ReqID != "b" {
		t.Errorf("state reply = %+v, want reqID b", env)
	}
	if _, ok := rec.find("error", ""); ok {
		t.Error("cancelled load should not be reported as an error")
	}
}

func TestSessionOpenWithoutIdentity(t *testing.T) {
	s, rec := openSession(t, testDeps(&stubLoader{}))
	s.handle(inbound{Type: "open", ReqID: "r1"})

	env, ok := rec.find("error", "")
	if !ok || env.ReqID != "r1" {
		t.Fatalf("want error reply for r1, got %+v", rec.all())
	}
}

func TestSessionLoadFailureReportsError(t *testing.T) {
	loader := &stubLoader{err: errors.New("upstream down")}
	s, rec := openSession(t, testDeps(loader))

	s.handle(inbound{Type: "open", ReqID: "r1", Identity: identity("MSFT"), Width: 800, Height: 500})
	eventually(t, func() bool { return rec.count("error", "") > 0 }, "error envelope")

	loader.mu.Lock()
	loader.err = nil
	loader.mu.Unlock()
	s.handle(inbound{Type: "retry", ReqID: "r2"})
	eventually(t, func() bool { return s.orch.State() == chart.Live }, "live after retry")
}

func TestSessionUnknownMessage(t *testing.T) {
	s, rec := openSession(t, testDeps(&stubLoader{}))
	s.handle(inbound{Type: "bogus", ReqID: "x"})
	if _, ok := rec.find("error", ""); !ok {
		t.Fatal("unknown type should produce an error reply")
	}
}

func TestSessionDrawingGestureAndExport(t *testing.T) {
	s, rec := openSession(t, testDeps(&stubLoader{}))

	s.handle(inbound{Type: "tool", Tool: "rectangle"})
	if env, ok := rec.last("overlay", "cursor"); !ok || env.Data != "crosshair" {
		t.Fatalf("cursor envelope = %+v", env)
	}
	s.handle(inbound{Type: "pointer", Phase: "down", X: 10, Y: 10})
	s.handle(inbound{Type: "pointer", Phase: "move", X: 50, Y: 70})
	s.handle(inbound{Type: "pointer", Phase: "up", X: 50, Y: 70})

	if n := len(s.draw.Shapes()); n != 1 {
		t.Fatalf("shapes = %d, want 1", n)
	}

	s.handle(inbound{Type: "drawings", Op: "export", ReqID: "e1"})
	env, ok := rec.find("drawings", "export")
	if !ok {
		t.Fatal("missing export reply")
	}
	var shapes []map[string]any
	if err := json.Unmarshal(env.Data.(json.RawMessage), &shapes); err != nil {
		t.Fatalf("export is not JSON: %v", err)
	}
	if len(shapes) != 1 || shapes[0]["kind"] != "rectangle" {
		t.Errorf("exported = %v", shapes)
	}

	s.handle(inbound{Type: "drawings", Op: "clear"})
	if n := len(s.draw.Shapes()); n != 0 {
		t.Errorf("shapes after clear = %d", n)
	}
	s.handle(inbound{Type: "tool", Tool: "laser"})
	if rec.count("error", "") != 1 {
		t.Errorf("unknown tool should produce one error, got %d", rec.count("error", ""))
	}
}

func TestSessionLayoutSaveAndLoad(t *testing.T) {
	deps := testDeps(&stubLoader{})
	s, rec := openSession(t, deps)

	s.handle(inbound{Type: "layout", Op: "save", ReqID: "s0", Name: "empty"})
	if env, ok := rec.find("error", ""); !ok || env.ReqID != "s0" {
		t.Fatal("saving without an open chart should fail")
	}

	s.handle(inbound{Type: "open", Identity: identity("AAPL"), Width: 800, Height: 500})
	waitLive(t, s, rec)

	s.handle(inbound{Type: "tool", Tool: "trendline"})
	s.handle(inbound{Type: "pointer", Phase: "down", X: 0, Y: 0})
	s.handle(inbound{Type: "pointer", Phase: "up", X: 100, Y: 100})

	s.handle(inbound{Type: "layout", Op: "save", ReqID: "s1", Name: "Swing"})
	env, ok := rec.find("layout", "saved")
	if !ok {
		t.Fatalf("missing saved reply: %+v", rec.all())
	}
	saved := env.Data.(layout.Record)
	if saved.Symbol != "AAPL" || saved.Name != "Swing" || len(saved.Drawings) == 0 {
		t.Fatalf("saved = %+v", saved)
	}

	other, rec2 := openSession(t, deps)
	other.handle(inbound{Type: "layout", Op: "load", ReqID: "l1", ID: saved.ID})
	if _, ok := rec2.find("layout", "loaded"); !ok {
		t.Fatalf("missing loaded reply: %+v", rec2.all())
	}
	if n := len(other.draw.Shapes()); n != 1 {
		t.Errorf("loaded shapes = %d, want 1", n)
	}
	eventually(t, func() bool { return other.orch.State() == chart.Live }, "loaded chart live")

	other.handle(inbound{Type: "layout", Op: "load", ReqID: "l2", ID: "missing"})
	if env, ok := rec2.find("error", ""); !ok || env.ReqID != "l2" {
		t.Error("loading an unknown layout should fail")
	}
}

func TestSessionPosition(t *testing.T) {
	s, rec := openSession(t, testDeps(&stubLoader{}))

	s.handle(inbound{Type: "position", Data: json.RawMessage(`{"symbol":"AAPL","side":"long","qty":10,"avgPrice":100}`)})
	if _, ok := rec.find("position", ""); !ok {
		t.Fatal("missing position envelope")
	}

	s.onPrice(105)
	last, _ := rec.last("position", "")
	view := last.Data.(positionView)
	if view.PnL != 50 {
		t.Errorf("pnl = %v, want 50", view.PnL)
	}

	s.handle(inbound{Type: "position", Data: json.RawMessage(`{"symbol":"AAPL","side":"sideways","qty":1,"avgPrice":1}`)})
	if _, ok := rec.find("error", ""); !ok {
		t.Error("invalid position should be rejected")
	}
}

func TestSessionPing(t *testing.T) {
	s, rec := openSession(t, testDeps(&stubLoader{}))
	s.handle(inbound{Type: "ping", Ping: 123})

	env, ok := rec.find("pong", "")
	if !ok {
		t.Fatal("missing pong")
	}
	if got := env.Data.(map[string]int64)["ping"]; got != 123 {
		t.Errorf("ping echo = %d, want 123", got)
	}
}

func TestThemeByName(t *testing.T) {
	fallback := model.Theme{Name: "custom"}
	if got := themeByName("light", fallback); got.Name != model.LightTheme().Name {
		t.Errorf("light = %q", got.Name)
	}
	if got := themeByName("", fallback); got.Name != "custom" {
		t.Errorf("fallback = %q", got.Name)
	}
}
