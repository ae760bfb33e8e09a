package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chartdesk/internal/chart"
	"chartdesk/internal/drawing"
	"chartdesk/internal/layout"
	"chartdesk/internal/logger"
	"chartdesk/internal/model"
	"chartdesk/internal/series"
)

// Session is one browser's chart: its own orchestrator, drawing engine and
// widget proxies. Nothing is shared between sessions except Deps.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	out    sender
	deps   Deps
	loads  *LoadTimes
	log    *slog.Logger

	container *remoteContainer
	factory   *remoteFactory
	orch      *chart.Orchestrator
	draw      *drawing.Engine

	wg sync.WaitGroup

	// Identity changes go through one worker. pending holds only the
	// newest request; an older one still waiting is replaced.
	applyMu   sync.Mutex
	pending   *applyRequest
	wake      chan struct{}
	inflight  bool
	runKey    string
	runCtx    context.Context
	runCancel context.CancelFunc

	mu       sync.Mutex
	identity model.Identity
	key      string
	price    float64
	position *model.Position
}

func newSession(parent context.Context, out sender, deps Deps, loads *LoadTimes) *Session {
	id := logger.NewSessionID()
	ctx, cancel := context.WithCancel(logger.WithSessionID(parent, id))
	s := &Session{
		id:        id,
		ctx:       ctx,
		cancel:    cancel,
		out:       out,
		deps:      deps,
		loads:     loads,
		log:       logger.For(ctx, deps.Logger.With("component", "session")),
		container: newRemoteContainer("chart"),
		factory:   newRemoteFactory(out),
		wake:      make(chan struct{}, 1),
	}
	s.orch = chart.New(chart.Options{
		Factory:      s.factory,
		Container:    s.container,
		Loader:       deps.Series,
		Feed:         deps.Feed,
		TickInterval: deps.TickInterval,
		Metrics:      deps.Metrics,
		Logger:       s.log,
		Callbacks: chart.Callbacks{
			OnOHLC:      func(b model.Bar) { s.out.send(Envelope{Type: "ohlc", Data: b}) },
			OnVolume:    func(v int64) { s.out.send(Envelope{Type: "volume", Data: v}) },
			OnPrice:     s.onPrice,
			OnCrosshair: func(b model.Bar) { s.out.send(Envelope{Type: "crosshair", Data: b}) },
		},
	})
	s.draw = drawing.New(drawing.Options{
		GridSize:      deps.GridSize,
		SnapThreshold: deps.SnapThreshold,
		Metrics:       deps.Metrics,
		Logger:        s.log,
	})
	s.draw.Attach(remoteSurface{out: out})

	s.wg.Add(1)
	go s.applyLoop()
	return s
}

func (s *Session) onPrice(price float64) {
	s.mu.Lock()
	s.price = price
	pos := s.position
	s.mu.Unlock()

	s.out.send(Envelope{Type: "price", Data: price})
	if pos != nil {
		s.sendPosition(*pos, price)
	}
}

func (s *Session) sendPosition(p model.Position, price float64) {
	view := positionView{Position: p, Price: price}
	if price > 0 {
		view.PnL = p.UnrealizedPnL(price)
	}
	s.out.send(Envelope{Type: "position", Data: view})
}

func (s *Session) sendError(reqID string, err error) {
	s.out.send(Envelope{Type: "error", ReqID: reqID, Error: err.Error()})
}

// showing reports whether the session's chart displays series key.
func (s *Session) showing(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key != "" && s.key == key
}

// handle dispatches one browser message.
func (s *Session) handle(msg inbound) {
	switch msg.Type {
	case "open":
		if msg.Identity == nil {
			s.sendError(msg.ReqID, errors.New("open: identity is required"))
			return
		}
		if msg.Width > 0 && msg.Height > 0 {
			if st := s.orch.State(); st == chart.Idle || st == chart.Disposed {
				s.container.setSize(msg.Width, msg.Height)
			} else {
				s.container.resize(msg.Width, msg.Height)
			}
		}
		s.apply(*msg.Identity, msg.ReqID)

	case "resize":
		s.container.resize(msg.Width, msg.Height)

	case "pointer":
		ev := drawing.PointerEvent{Point: drawing.Point{X: msg.X, Y: msg.Y}, Detail: msg.Detail}
		switch msg.Phase {
		case "down":
			s.draw.PointerDown(ev)
		case "move":
			s.draw.PointerMove(ev)
		case "up":
			s.draw.PointerUp(ev)
		}

	case "key":
		s.draw.KeyDown(msg.Key)

	case "tool":
		if msg.Tool != "" {
			tool, err := model.ParseTool(msg.Tool)
			if err != nil {
				s.sendError(msg.ReqID, err)
				return
			}
			s.draw.SetTool(tool)
		}
		if msg.Cursor != "" {
			cursor, err := model.ParseCursorStyle(msg.Cursor)
			if err != nil {
				s.sendError(msg.ReqID, err)
				return
			}
			s.draw.SetSelectCursor(cursor)
		}

	case "drawings":
		s.drawings(msg)

	case "crosshair":
		s.factory.crosshair(msg.Chart, msg.Time)

	case "layout":
		s.layout(msg)

	case "position":
		p, err := model.DecodePosition(msg.Data)
		if err != nil {
			s.sendError(msg.ReqID, err)
			return
		}
		s.mu.Lock()
		s.position = &p
		price := s.price
		s.mu.Unlock()
		s.sendPosition(p, price)

	case "retry":
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.orch.Retry(); err != nil && !errors.Is(err, chart.ErrSuperseded) {
				s.sendError(msg.ReqID, err)
			}
		}()

	case "snapshot":
		s.out.send(Envelope{Type: "state", ReqID: msg.ReqID, Data: s.orch.Snapshot()})

	case "ping":
		s.out.send(Envelope{Type: "pong", Data: map[string]int64{
			"ping":     msg.Ping,
			"serverTs": time.Now().UnixMilli(),
		}})

	default:
		s.sendError(msg.ReqID, fmt.Errorf("unknown message type %q", msg.Type))
	}
}

type applyRequest struct {
	id    model.Identity
	key   string
	reqID string
}

// apply queues an identity change. The newest request wins: a request
// still waiting is replaced, and an Apply in flight for a different
// identity has its context cancelled.
func (s *Session) apply(id model.Identity, reqID string) {
	if id.Theme.Name == "" {
		id.Theme = s.deps.Theme
	}
	req := &applyRequest{id: id, key: chart.IdentityKey(id), reqID: reqID}

	s.applyMu.Lock()
	s.pending = req
	if s.inflight && s.runKey != req.key {
		s.runCancel()
	}
	s.applyMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// take pops the pending request and prepares the context it runs under.
// The context of the previous identity lives on while the same identity
// is requested again, since it also bounds that chart's live loop.
func (s *Session) take() (*applyRequest, context.Context) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	req := s.pending
	s.pending = nil
	if req == nil {
		return nil, nil
	}
	if req.key != s.runKey || s.runCtx == nil || s.runCtx.Err() != nil {
		if s.runCancel != nil {
			s.runCancel()
		}
		s.runCtx, s.runCancel = context.WithCancel(s.ctx)
		s.runKey = req.key
	}
	s.inflight = true

	s.mu.Lock()
	s.identity = req.id
	s.key = series.Key(req.id.Symbol, req.id.Timeframe)
	s.mu.Unlock()
	return req, s.runCtx
}

// applyLoop switches the chart in the background so pointer and resize
// messages keep flowing while history loads.
func (s *Session) applyLoop() {
	defer s.wg.Done()
	defer func() {
		s.applyMu.Lock()
		if s.runCancel != nil {
			s.runCancel()
		}
		s.applyMu.Unlock()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		for {
			req, ctx := s.take()
			if req == nil {
				break
			}
			start := time.Now()
			err := s.orch.Apply(ctx, req.id)

			s.applyMu.Lock()
			s.inflight = false
			s.applyMu.Unlock()

			switch {
			case ctx.Err() != nil, errors.Is(err, chart.ErrSuperseded), errors.Is(err, chart.ErrDisposed):
			case err != nil:
				s.sendError(req.reqID, err)
			default:
				s.loads.Observe(time.Since(start))
				s.out.send(Envelope{Type: "state", ReqID: req.reqID, Data: s.orch.Snapshot()})
			}
		}
	}
}

func (s *Session) drawings(msg inbound) {
	switch msg.Op {
	case "clear":
		s.draw.ClearAll()
	case "lock":
		s.draw.Lock(true)
	case "unlock":
		s.draw.Lock(false)
	case "show":
		s.draw.SetVisible(true)
	case "hide":
		s.draw.SetVisible(false)
	case "finish":
		s.draw.FinishPolygon()
	case "delete":
		s.draw.DeleteSelected()
	case "export":
		data, err := s.draw.Export()
		if err != nil {
			s.sendError(msg.ReqID, err)
			return
		}
		s.out.send(Envelope{Type: "drawings", Op: "export", ReqID: msg.ReqID, Data: json.RawMessage(data)})
	case "import":
		if err := s.draw.Import(msg.Data); err != nil {
			s.sendError(msg.ReqID, err)
		}
	default:
		s.sendError(msg.ReqID, fmt.Errorf("unknown drawings op %q", msg.Op))
	}
}

func (s *Session) layout(msg inbound) {
	if s.deps.Layouts == nil {
		s.sendError(msg.ReqID, errors.New("layouts are not configured"))
		return
	}
	switch msg.Op {
	case "save":
		s.mu.Lock()
		id := s.identity
		s.mu.Unlock()
		if id.Symbol == "" {
			s.sendError(msg.ReqID, errors.New("save layout: no chart open"))
			return
		}
		drawings, err := s.draw.Export()
		if err != nil {
			s.sendError(msg.ReqID, err)
			return
		}
		rec := layout.Record{
			ID:         msg.ID,
			Name:       msg.Name,
			Symbol:     id.Symbol,
			Timeframe:  id.Timeframe,
			ChartType:  id.ChartType,
			Layout:     msg.Data,
			Indicators: id.Indicators,
			Drawings:   drawings,
			Display:    layout.Display{Theme: id.Theme.Name, ShowVolume: id.Indicators.Volume},
		}
		if rec.ID == "" {
			rec, err = s.deps.Layouts.Create(s.ctx, rec)
		} else {
			rec, err = s.deps.Layouts.Update(s.ctx, rec)
		}
		if err != nil {
			s.sendError(msg.ReqID, err)
			return
		}
		s.out.send(Envelope{Type: "layout", Op: "saved", ReqID: msg.ReqID, Data: rec})

	case "load":
		rec, err := s.deps.Layouts.Get(s.ctx, msg.ID)
		if err != nil {
			s.sendError(msg.ReqID, err)
			return
		}
		if err := s.draw.Import(rec.Drawings); err != nil {
			s.sendError(msg.ReqID, err)
			return
		}
		s.apply(rec.Identity(themeByName(rec.Display.Theme, s.deps.Theme)), msg.ReqID)
		s.out.send(Envelope{Type: "layout", Op: "loaded", ReqID: msg.ReqID, Data: rec})

	default:
		s.sendError(msg.ReqID, fmt.Errorf("unknown layout op %q", msg.Op))
	}
}

// close stops the chart and waits for background work.
func (s *Session) close() {
	s.cancel()
	s.orch.Close()
	s.draw.Detach()
	s.wg.Wait()
	s.log.Info("session closed")
}

func themeByName(name string, fallback model.Theme) model.Theme {
	switch name {
	case "dark":
		return model.DarkTheme()
	case "light":
		return model.LightTheme()
	}
	return fallback
}
