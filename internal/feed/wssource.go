package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"chartdesk/internal/model"

	"github.com/gorilla/websocket"
)

// WSConfig holds configuration for the WebSocket tick feed.
type WSConfig struct {
	// URL of the tick WebSocket server, e.g. "ws://localhost:9001/ws"
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration

	// RingSize is the tick ring capacity. Defaults to 4096.
	RingSize int

	// DrainInterval is how often buffered ticks are moved into the
	// per-symbol logs. Defaults to 10ms.
	DrainInterval time.Duration

	// TickHistory is how many ticks are kept per symbol for sources that
	// have not taken them yet. Defaults to 1024.
	TickHistory int
}

func (c *WSConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.RingSize == 0 {
		c.RingSize = 4096
	}
	if c.DrainInterval == 0 {
		c.DrainInterval = 10 * time.Millisecond
	}
	if c.TickHistory <= 0 {
		c.TickHistory = 1024
	}
}

// pending accumulates the ticks of one symbol taken for one bar.
type pending struct {
	open, high, low, close float64
	volume                 int64
	ticks                  int
}

func (p *pending) add(t model.Tick) {
	if p.ticks == 0 {
		*p = pending{open: t.Price, high: t.Price, low: t.Price, close: t.Price, volume: t.Qty, ticks: 1}
		return
	}
	p.high = math.Max(p.high, t.Price)
	p.low = math.Min(p.low, t.Price)
	p.close = t.Price
	p.volume += t.Qty
	p.ticks++
}

// tickLog keeps the newest ticks of one symbol, numbered in arrival order.
// Every source reads it through its own cursor, so charts on the same
// symbol never consume each other's ticks.
type tickLog struct {
	buf  []model.Tick
	next uint64 // sequence number of the next tick
}

func (l *tickLog) add(t model.Tick) {
	l.buf[l.next%uint64(len(l.buf))] = t
	l.next++
}

// since folds the ticks numbered cursor and later and returns the new
// cursor. Ticks already overwritten are skipped.
func (l *tickLog) since(cursor uint64) (pending, uint64) {
	size := uint64(len(l.buf))
	if l.next > size && cursor < l.next-size {
		cursor = l.next - size
	}
	var p pending
	for seq := cursor; seq < l.next; seq++ {
		p.add(l.buf[seq%size])
	}
	return p, l.next
}

// WSFeed connects to a plain-JSON WebSocket tick server. The read loop is
// the single producer of a TickRing; a drain loop is its single consumer
// and appends ticks to per-symbol logs that Source(symbol).NextBar reads.
type WSFeed struct {
	cfg  WSConfig
	ring *TickRing
	log  *slog.Logger
	now  func() time.Time

	mu   sync.Mutex
	logs map[string]*tickLog

	// Optional hooks
	OnConnect   func()             // called after each successful dial
	OnReconnect func()             // called each time a reconnection happens
	OnTick      func(dropped bool) // called per accepted tick, from the read loop
}

// NewWSFeed creates a feed. Returns an error if the URL is unparseable.
func NewWSFeed(cfg WSConfig) (*WSFeed, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.New("feed url must use ws or wss")
	}
	return &WSFeed{
		cfg:  cfg,
		ring: NewTickRing(cfg.RingSize),
		log:  slog.With("component", "feed"),
		now:  time.Now,
		logs: make(map[string]*tickLog),
	}, nil
}

// Run connects and streams ticks until ctx is cancelled, reconnecting with
// exponential backoff on disconnect.
func (f *WSFeed) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.drainLoop(ctx)
	}()
	defer wg.Wait()

	delay := f.cfg.ReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := f.runOnce(ctx)
		if err == nil {
			return nil
		}

		f.log.Warn("feed disconnected", "error", err, "retry_in", delay.String())
		if f.OnReconnect != nil {
			f.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or
// ctx cancel. A nil return means ctx was cancelled.
func (f *WSFeed) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.log.Info("feed connected", "url", f.cfg.URL)
	if f.OnConnect != nil {
		f.OnConnect()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		var tick model.Tick
		if err := json.Unmarshal(raw, &tick); err != nil {
			f.log.Warn("tick parse error", "error", err)
			continue
		}
		if !f.accept(&tick) {
			continue
		}
		dropped := !f.ring.Push(tick)
		if dropped {
			f.log.Warn("tick ring full, dropping tick", "symbol", tick.Symbol)
		}
		if f.OnTick != nil {
			f.OnTick(dropped)
		}
	}
}

// accept normalizes and validates a decoded tick.
func (f *WSFeed) accept(t *model.Tick) bool {
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
	if t.Symbol == "" {
		return false
	}
	if t.Price <= 0 || math.IsNaN(t.Price) || math.IsInf(t.Price, 0) {
		return false
	}
	if t.Qty < 0 {
		t.Qty = 0
	}
	return true
}

func (f *WSFeed) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.drain()
			return
		case <-ticker.C:
			f.drain()
		}
	}
}

// drain pops every buffered tick. Must only be called from the drain loop
// (or a test standing in for it).
func (f *WSFeed) drain() int {
	n := 0
	for {
		t, ok := f.ring.Pop()
		if !ok {
			return n
		}
		f.fold(t)
		n++
	}
}

func (f *WSFeed) fold(t model.Tick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.logs[t.Symbol]
	if !ok {
		l = &tickLog{buf: make([]model.Tick, f.cfg.TickHistory)}
		f.logs[t.Symbol] = l
	}
	l.add(t)
}

// take folds the ticks of symbol received after *cursor and advances it.
func (f *WSFeed) take(symbol string, cursor *uint64) (pending, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.logs[symbol]
	if !ok {
		return pending{}, false
	}
	p, next := l.since(*cursor)
	*cursor = next
	return p, p.ticks > 0
}

// Source returns a Source for one symbol. Its first bar covers the ticks
// received after this call.
func (f *WSFeed) Source(symbol string) Source {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	src := &wsSource{feed: f, symbol: symbol}
	f.mu.Lock()
	if l, ok := f.logs[symbol]; ok {
		src.cursor = l.next
	}
	f.mu.Unlock()
	return src
}

// Factory returns f.Source as a Factory.
func (f *WSFeed) Factory() Factory { return f.Source }

type wsSource struct {
	feed   *WSFeed
	symbol string
	cursor uint64 // guarded by feed.mu
}

// NextBar folds every tick received since the previous bar into one bar
// opening at last.Close. With no ticks it returns a flat bar at last.Close.
func (s *wsSource) NextBar(last model.Bar, _ []float64) model.Bar {
	ts := s.feed.now().Unix()
	if ts <= last.Time {
		ts = last.Time + 1
	}
	bar := model.Bar{Time: ts, Open: last.Close, High: last.Close, Low: last.Close, Close: last.Close}

	p, ok := s.feed.take(s.symbol, &s.cursor)
	if !ok {
		return bar
	}
	bar.High = math.Max(bar.Open, p.high)
	bar.Low = math.Min(bar.Open, p.low)
	bar.Close = p.close
	bar.Volume = p.volume
	return bar
}
