package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chartdesk/internal/layout"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(ctx, testDeps(&stubLoader{}))
	router := mux.NewRouter()
	RegisterRoutes(router, hub)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv, hub
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

const layoutBody = `{"name":"Swing","symbol":"aapl","timeframe":"1D","indicators":{"sma":true}}`

func TestLayoutCRUD(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/api/layouts"

	resp, body := doJSON(t, http.MethodPost, base, layoutBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, body)
	}
	var created layout.Record
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Symbol != "AAPL" {
		t.Fatalf("created = %+v", created)
	}

	resp, body = doJSON(t, http.MethodGet, base, "")
	var list []layout.Record
	json.Unmarshal(body, &list)
	if resp.StatusCode != http.StatusOK || len(list) != 1 {
		t.Fatalf("list = %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPut, base+"/"+created.ID,
		`{"name":"Renamed","symbol":"AAPL","timeframe":"1h"}`)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "Renamed") {
		t.Fatalf("update = %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, base+"/"+created.ID+"/duplicate", "")
	var dup layout.Record
	json.Unmarshal(body, &dup)
	if resp.StatusCode != http.StatusCreated || dup.Name != "Renamed (copy)" {
		t.Fatalf("duplicate = %d %s", resp.StatusCode, body)
	}

	resp, exported := doJSON(t, http.MethodGet, base+"/"+created.ID+"/export", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export = %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, created.ID) {
		t.Errorf("content disposition = %q", cd)
	}

	resp, body = doJSON(t, http.MethodPost, base+"/import", string(exported))
	var imported layout.Record
	json.Unmarshal(body, &imported)
	if resp.StatusCode != http.StatusCreated || imported.ID == created.ID {
		t.Fatalf("import = %d %s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, http.MethodDelete, base+"/"+created.ID, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, base+"/"+created.ID, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted = %d, want 404", resp.StatusCode)
	}
}

func TestLayoutErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/api/layouts"

	tests := []struct {
		name   string
		method string
		url    string
		body   string
		want   int
	}{
		{"invalid json", http.MethodPost, base, `{`, http.StatusBadRequest},
		{"missing name", http.MethodPost, base, `{"symbol":"AAPL","timeframe":"1D"}`, http.StatusBadRequest},
		{"bad timeframe", http.MethodPost, base, `{"name":"x","symbol":"AAPL","timeframe":"2D"}`, http.StatusBadRequest},
		{"update missing", http.MethodPut, base + "/nope", layoutBody, http.StatusNotFound},
		{"delete missing", http.MethodDelete, base + "/nope", "", http.StatusNotFound},
		{"unknown route", http.MethodGet, base + "/a/b/c", "", http.StatusNotFound},
		{"method", http.MethodPatch, base, "", http.StatusMethodNotAllowed},
		{"preflight", http.MethodOptions, base, "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, tt.method, tt.url, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestSeriesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/series?symbol=aapl&timeframe=1D", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var got seriesResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Symbol != "AAPL" || len(got.Bars) != 60 {
		t.Errorf("got %s with %d bars", got.Symbol, len(got.Bars))
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/series?timeframe=1D", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing symbol = %d, want 400", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/series?symbol=AAPL&timeframe=7x", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad timeframe = %d, want 400", resp.StatusCode)
	}
}

func TestIndicatorsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/indicators",
		`{"closes":[1,2,3,4,5],"indicators":{"sma":true,"smaPeriod":3}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var got struct {
		SMA []*float64 `json:"sma"`
		RSI []*float64 `json:"rsi"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.SMA) != 5 || got.SMA[0] != nil || got.SMA[1] != nil {
		t.Fatalf("sma = %v", got.SMA)
	}
	if *got.SMA[2] != 2 || *got.SMA[4] != 4 {
		t.Errorf("sma values = %v %v", *got.SMA[2], *got.SMA[4])
	}
	if got.RSI != nil {
		t.Error("disabled indicator should be omitted")
	}
}

func TestIndicatorsPreviewNextClose(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/indicators",
		`{"closes":[1,2,3,4,5],"indicators":{"sma":true,"smaPeriod":3},"next":9}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var got struct {
		SMA     []*float64 `json:"sma"`
		Preview *struct {
			SMA *float64 `json:"sma"`
			RSI *float64 `json:"rsi"`
		} `json:"preview"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Preview == nil || got.Preview.SMA == nil {
		t.Fatalf("preview = %s", body)
	}
	if *got.Preview.SMA != 6 {
		t.Errorf("preview sma = %v, want 6", *got.Preview.SMA)
	}
	if got.Preview.RSI != nil {
		t.Error("disabled indicator should preview as null")
	}
	if len(got.SMA) != 5 {
		t.Errorf("preview must not extend the series: len = %d", len(got.SMA))
	}

	_, body = doJSON(t, http.MethodPost, srv.URL+"/api/indicators",
		`{"closes":[1,2,3],"indicators":{"sma":true,"smaPeriod":3}}`)
	if strings.Contains(string(body), "preview") {
		t.Errorf("preview without next: %s", body)
	}
}

func TestTimeframesAndStats(t *testing.T) {
	srv, _ := newTestServer(t)

	_, body := doJSON(t, http.MethodGet, srv.URL+"/api/timeframes", "")
	var tfs []TFInfo
	if err := json.Unmarshal(body, &tfs); err != nil {
		t.Fatal(err)
	}
	if len(tfs) != 9 || tfs[0].Value != "1m" {
		t.Errorf("timeframes = %+v", tfs)
	}

	_, body = doJSON(t, http.MethodGet, srv.URL+"/api/stats", "")
	if !strings.Contains(string(body), `"sessions":0`) {
		t.Errorf("stats = %s", body)
	}
}

// readEnvelopes reads one frame and splits coalesced messages.
func readEnvelopes(t *testing.T, conn *websocket.Conn) []Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out []Envelope
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		out = append(out, env)
	}
	return out
}

// readUntil reads frames until an envelope of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) Envelope {
	t.Helper()
	for i := 0; i < 50; i++ {
		for _, env := range readEnvelopes(t, conn) {
			if env.Type == typ {
				return env
			}
		}
	}
	t.Fatalf("never received %q envelope", typ)
	return Envelope{}
}

func TestWebSocketSession(t *testing.T) {
	srv, hub := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	eventually(t, func() bool { return hub.ClientCount() == 1 }, "client registered")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","ping":7}`)); err != nil {
		t.Fatal(err)
	}
	pong := readUntil(t, conn, "pong")
	if pong.Data.(map[string]any)["ping"] != float64(7) {
		t.Errorf("pong = %+v", pong.Data)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
	if env := readUntil(t, conn, "error"); !strings.Contains(env.Error, "invalid message") {
		t.Errorf("error = %q", env.Error)
	}

	conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"open","identity":{"symbol":"AAPL","timeframe":"1D"},"width":800,"height":400}`))
	state := readUntil(t, conn, "state")
	if state.Data.(map[string]any)["state"] != "live" {
		t.Errorf("state = %+v", state.Data)
	}

	conn.Close()
	eventually(t, func() bool { return hub.ClientCount() == 0 }, "client removed")
}

func TestHubNotifySeries(t *testing.T) {
	srv, hub := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	eventually(t, func() bool { return hub.ClientCount() == 1 }, "client registered")

	hub.mu.RLock()
	var c *Client
	for cl := range hub.clients {
		c = cl
	}
	hub.mu.RUnlock()
	c.session.mu.Lock()
	c.session.key = "AAPL:1D"
	c.session.mu.Unlock()

	hub.notifySeries("MSFT:1D", []byte(`{"time":1}`))
	hub.notifySeries("AAPL:1D", []byte(`{"time":2}`))

	env := readUntil(t, conn, "series")
	if env.Op != "refreshed" {
		t.Fatalf("got %+v", env)
	}
	data := env.Data.(map[string]any)
	if data["key"] != "AAPL:1D" {
		t.Errorf("key = %v", data["key"])
	}
}
