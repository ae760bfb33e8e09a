// Command tickserver is a demo WebSocket tick server. It broadcasts
// simulated model.Tick JSON so chartd can run its live feed without a
// market data vendor:
//
//	{"symbol":"AAPL","price":190.12,"qty":10,"ts":"..."}
//
// Config (env vars, .env honoured):
//
//	TICK_SERVER_ADDR  listen address (default ":9001")
//	TICK_SYMBOLS      comma-separated SYMBOL[:START_PRICE] (default "AAPL:190,MSFT:410")
//	TICK_INTERVAL     broadcast interval (default "250ms")
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"chartdesk/internal/feed"
	"chartdesk/internal/logger"
	"chartdesk/internal/model"

	"github.com/caarlos0/env/v11"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
)

type config struct {
	Addr     string        `env:"TICK_SERVER_ADDR" envDefault:":9001"`
	Symbols  string        `env:"TICK_SYMBOLS" envDefault:"AAPL:190,MSFT:410"`
	Interval time.Duration `env:"TICK_INTERVAL" envDefault:"250ms"`
	LogLevel string        `env:"LOG_LEVEL" envDefault:"info"`
}

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol string
	Last   model.Bar
	Closes []float64
}

const historyLen = 100

// ---- Hub ----

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast returns how many clients were too slow to take msg.
func (h *hub) broadcast(msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	dropped := 0
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			dropped++
		}
	}
	return dropped
}

// ---- WebSocket handler ----

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", "error", err)
			return
		}
		log.Info("client connected", "remote", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Info("client disconnected", "remote", r.RemoteAddr)
		}()

		// Detect client close so the write loop below can end.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.unregister(conn)
					return
				}
			}
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ---- Tick generator ----

// step advances inst by one synthetic bar and returns the resulting tick.
func step(rng *rand.Rand, inst *instrument, now time.Time) model.Tick {
	bar := feed.GenerateNextBarRealistic(rng, inst.Last, inst.Closes, now)
	inst.Last = bar
	inst.Closes = append(inst.Closes, bar.Close)
	if len(inst.Closes) > historyLen {
		inst.Closes = inst.Closes[len(inst.Closes)-historyLen:]
	}
	return model.Tick{
		Symbol: inst.Symbol,
		Price:  bar.Close,
		Qty:    int64(rng.Intn(100) + 1),
		TS:     now.UTC(),
	}
}

func runGenerator(ctx context.Context, h *hub, instruments []instrument, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for i := range instruments {
				b, err := json.Marshal(step(rng, &instruments[i], now))
				if err != nil {
					continue
				}
				if dropped := h.broadcast(b); dropped > 0 {
					log.Debug("slow clients dropped tick", "symbol", instruments[i].Symbol, "dropped", dropped)
				}
			}
		}
	}
}

// ---- main ----

func main() {
	_ = godotenv.Load()
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		slog.Error("parse env", "error", err)
		os.Exit(1)
	}
	log := logger.Init("tickserver", logger.ParseLevel(cfg.LogLevel))

	instruments, err := parseInstruments(cfg.Symbols, time.Now())
	if err != nil {
		log.Error("invalid TICK_SYMBOLS", "error", err)
		os.Exit(1)
	}
	if cfg.Interval <= 0 {
		log.Error("TICK_INTERVAL must be positive", "interval", cfg.Interval)
		os.Exit(1)
	}
	log.Info("starting", "symbols", len(instruments), "interval", cfg.Interval)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h := newHub()
	go runGenerator(ctx, h, instruments, cfg.Interval, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(h, log))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"tickserver","clients":%d}`+"\n", h.count())
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("listening", "addr", cfg.Addr, "ws", "ws://localhost"+cfg.Addr+"/ws")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	log.Info("stopped")
}

// ---- helpers ----

// parseInstruments reads SYMBOL[:PRICE] pairs. Symbols without a price
// start at 100.
func parseInstruments(s string, now time.Time) ([]instrument, error) {
	var result []instrument
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		symbol, priceStr, hasPrice := strings.Cut(part, ":")
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			return nil, fmt.Errorf("empty symbol in %q", part)
		}
		price := 100.0
		if hasPrice {
			p, err := strconv.ParseFloat(strings.TrimSpace(priceStr), 64)
			if err != nil || p <= 0 {
				return nil, fmt.Errorf("invalid start price in %q", part)
			}
			price = p
		}
		if seen[symbol] {
			continue
		}
		seen[symbol] = true
		result = append(result, instrument{
			Symbol: symbol,
			Last:   model.Bar{Time: now.Unix() - 1, Open: price, High: price, Low: price, Close: price, Volume: 1000},
			Closes: []float64{price},
		})
	}
	if len(result) == 0 {
		return nil, errors.New("no symbols configured")
	}
	return result, nil
}
