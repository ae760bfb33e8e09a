package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"chartdesk/internal/indicator"
	"chartdesk/internal/layout"
	"chartdesk/internal/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const maxBodySize = 4 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// RegisterRoutes registers all HTTP routes on the provided router.
func RegisterRoutes(r *mux.Router, hub *Hub) {
	r.HandleFunc("/ws", hub.HandleWS)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(cors)
	api.HandleFunc("/series", hub.handleSeries).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/layouts", hub.listLayouts).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/layouts", hub.createLayout).Methods(http.MethodPost)
	api.HandleFunc("/layouts/import", hub.importLayout).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/layouts/{id}", hub.getLayout).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/layouts/{id}", hub.updateLayout).Methods(http.MethodPut)
	api.HandleFunc("/layouts/{id}", hub.deleteLayout).Methods(http.MethodDelete)
	api.HandleFunc("/layouts/{id}/duplicate", hub.duplicateLayout).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/layouts/{id}/export", hub.exportLayout).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/indicators", handleIndicators).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/timeframes", handleTimeframes).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/stats", hub.handleStats).Methods(http.MethodGet, http.MethodOptions)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GET /api/series?symbol=AAPL&timeframe=1D
func (h *Hub) handleSeries(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, errors.New("symbol is required"))
		return
	}
	tfParam := r.URL.Query().Get("timeframe")
	if tfParam == "" {
		tfParam = string(model.TF1D)
	}
	tf, err := model.ParseTimeframe(tfParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if h.deps.Series == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("series source is not configured"))
		return
	}

	res, err := h.deps.Series.Get(r.Context(), symbol, tf)
	if err != nil {
		h.log.Warn("series request failed", "symbol", symbol, "timeframe", tf, "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	bars := res.Bars
	if bars == nil {
		bars = []model.Bar{}
	}
	writeJSON(w, http.StatusOK, seriesResponse{
		Symbol:    symbol,
		Timeframe: tf,
		Bars:      bars,
		Stale:     res.Stale,
		FetchedAt: res.FetchedAt.UTC().Format(time.RFC3339),
	})
}

// layouts returns the layout service, answering 503 when none is wired.
func (h *Hub) layouts(w http.ResponseWriter) (*layout.Service, bool) {
	if h.deps.Layouts == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("layouts are not configured"))
		return nil, false
	}
	return h.deps.Layouts, true
}

// GET /api/layouts
func (h *Hub) listLayouts(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.layouts(w)
	if !ok {
		return
	}
	recs, err := svc.List(r.Context())
	if err != nil {
		writeLayoutError(w, err)
		return
	}
	if recs == nil {
		recs = []layout.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// POST /api/layouts
func (h *Hub) createLayout(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.layouts(w)
	if !ok {
		return
	}
	var rec layout.Record
	if err := decodeBody(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := svc.Create(r.Context(), rec)
	if err != nil {
		writeLayoutError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// POST /api/layouts/import
func (h *Hub) importLayout(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.layouts(w)
	if !ok {
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := svc.Import(r.Context(), data)
	if err != nil {
		writeLayoutError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GET /api/layouts/{id}
func (h *Hub) getLayout(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.layouts(w)
	if !ok {
		return
	}
	rec, err := svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeLayoutError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PUT /api/layouts/{id}
func (h *Hub) updateLayout(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.layouts(w)
	if !ok {
		return
	}
	var rec layout.Record
	if err := decodeBody(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec.ID = mux.Vars(r)["id"]
	updated, err := svc.Update(r.Context(), rec)
	if err != nil {
		writeLayoutError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DELETE /api/layouts/{id}
func (h *Hub) deleteLayout(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.layouts(w)
	if !ok {
		return
	}
	if err := svc.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeLayoutError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/layouts/{id}/duplicate with an optional {"name": ...} body.
func (h *Hub) duplicateLayout(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.layouts(w)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	dup, err := svc.Duplicate(r.Context(), mux.Vars(r)["id"], body.Name)
	if err != nil {
		writeLayoutError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dup)
}

// GET /api/layouts/{id}/export
func (h *Hub) exportLayout(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.layouts(w)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	data, err := svc.Export(r.Context(), id)
	if err != nil {
		writeLayoutError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.json"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// POST /api/indicators computes batch indicators over the posted closes.
func handleIndicators(w http.ResponseWriter, r *http.Request) {
	var req indicatorRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s := indicator.Compute(req.Indicators, req.Closes)
	resp := indicatorResponse{
		SMA: indicator.Nullable(s.SMA),
		EMA: indicator.Nullable(s.EMA),
		RSI: indicator.Nullable(s.RSI),
	}
	if s.BB != nil {
		resp.BBUpper = indicator.Nullable(s.BB.Upper)
		resp.BBMiddle = indicator.Nullable(s.BB.Middle)
		resp.BBLower = indicator.Nullable(s.BB.Lower)
	}
	if s.MACD != nil {
		resp.MACD = indicator.Nullable(s.MACD.MACD)
		resp.Signal = indicator.Nullable(s.MACD.Signal)
		resp.Histogram = indicator.Nullable(s.MACD.Histogram)
	}
	if req.Next != nil {
		set := indicator.NewSet(req.Indicators)
		set.Seed(req.Closes)
		resp.Preview = newIndicatorPreview(set.Peek(*req.Next))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/timeframes lists supported timeframes and their upstream query.
func handleTimeframes(w http.ResponseWriter, r *http.Request) {
	tfs := model.Timeframes()
	out := make([]TFInfo, len(tfs))
	for i, tf := range tfs {
		interval, rng := tf.Query()
		out[i] = TFInfo{Value: tf, Interval: interval, Range: rng}
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/stats reports connected sessions and chart load percentiles.
func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": h.ClientCount(),
		"loads":    h.Loads.Stats(),
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeLayoutError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, layout.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, layout.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
