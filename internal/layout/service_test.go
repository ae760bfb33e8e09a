package layout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"chartdesk/internal/model"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func newTestService() (*Service, *fixedClock) {
	clk := &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	n := 0
	ids := func() string { n++; return fmt.Sprintf("id-%d", n) }
	return NewService(NewMemoryStore(), WithClock(clk.now), WithIDs(ids)), clk
}

func sampleRecord() Record {
	return Record{
		Name:       "Morning setup",
		Symbol:     "aapl",
		Timeframe:  model.TF5m,
		ChartType:  model.ChartLine,
		Layout:     json.RawMessage(`{"panels":[{"id":"main","size":0.7}]}`),
		Indicators: model.IndicatorSet{SMA: true, RSI: true, RSIPeriod: 10},
		Drawings:   json.RawMessage(`[{"kind":"trendline","points":[{"x":1,"y":2},{"x":3,"y":4}]}]`),
		Display:    Display{Theme: "dark", ShowGrid: true, ShowVolume: true},
	}
}

func TestService_CreateAssignsIDAndTimestamps(t *testing.T) {
	svc, clk := newTestService()
	rec, err := svc.Create(context.Background(), sampleRecord())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID != "id-1" || rec.Symbol != "AAPL" || rec.Version != CurrentVersion {
		t.Errorf("unexpected record %+v", rec)
	}
	if !rec.CreatedAt.Equal(clk.t) || !rec.UpdatedAt.Equal(clk.t) {
		t.Errorf("timestamps = %v/%v", rec.CreatedAt, rec.UpdatedAt)
	}
}

func TestService_CreateRejectsInvalid(t *testing.T) {
	svc, _ := newTestService()
	cases := map[string]func(*Record){
		"name":      func(r *Record) { r.Name = " " },
		"symbol":    func(r *Record) { r.Symbol = "" },
		"timeframe": func(r *Record) { r.Timeframe = "7m" },
		"chartType": func(r *Record) { r.ChartType = "renko" },
		"drawings":  func(r *Record) { r.Drawings = json.RawMessage(`[{`) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			rec := sampleRecord()
			mutate(&rec)
			if _, err := svc.Create(context.Background(), rec); !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("err = %v, want ErrInvalidRecord", err)
			}
		})
	}
}

func TestService_UpdateKeepsCreatedAt(t *testing.T) {
	svc, clk := newTestService()
	ctx := context.Background()
	rec, _ := svc.Create(ctx, sampleRecord())

	clk.t = clk.t.Add(time.Hour)
	rec.Name = "Renamed"
	updated, err := svc.Update(ctx, rec)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Name != "Renamed" || !updated.UpdatedAt.Equal(clk.t) {
		t.Errorf("updated = %+v", updated)
	}
	if !updated.CreatedAt.Equal(rec.CreatedAt) {
		t.Error("CreatedAt changed on update")
	}
}

func TestService_UpdateUnknown(t *testing.T) {
	svc, _ := newTestService()
	rec := sampleRecord()
	rec.ID = "nope"
	if _, err := svc.Update(context.Background(), rec); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestService_DeleteAndList(t *testing.T) {
	svc, clk := newTestService()
	ctx := context.Background()
	a, _ := svc.Create(ctx, sampleRecord())
	clk.t = clk.t.Add(time.Minute)
	b, _ := svc.Create(ctx, sampleRecord())

	list, _ := svc.List(ctx)
	if len(list) != 2 || list[0].ID != b.ID {
		t.Fatalf("list order = %v", list)
	}

	if err := svc.Delete(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
	if _, err := svc.Get(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("get deleted err = %v", err)
	}
}

func TestService_Duplicate(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	src, _ := svc.Create(ctx, sampleRecord())

	dup, err := svc.Duplicate(ctx, src.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if dup.ID == src.ID || dup.Name != "Morning setup (copy)" {
		t.Errorf("dup = %+v", dup)
	}
	if string(dup.Drawings) != string(src.Drawings) || dup.Indicators != src.Indicators {
		t.Error("duplicate lost content")
	}
}

func TestService_ExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	orig, _ := svc.Create(ctx, sampleRecord())
	data, err := svc.Export(ctx, orig.ID)
	if err != nil {
		t.Fatal(err)
	}

	other, _ := newTestService()
	imported, err := other.Import(ctx, data)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	want := orig
	got := imported
	if !reflect.DeepEqual(normalizeJSON(t, want), normalizeJSON(t, got)) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestService_ImportCollisionGetsNewID(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	orig, _ := svc.Create(ctx, sampleRecord())
	data, _ := svc.Export(ctx, orig.ID)

	imported, err := svc.Import(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	if imported.ID == orig.ID {
		t.Error("colliding import should get a fresh id")
	}
}

func TestService_ImportRejectsNewerVersion(t *testing.T) {
	svc, _ := newTestService()
	rec := sampleRecord()
	rec.Version = CurrentVersion + 1
	data, _ := json.Marshal(rec)
	if _, err := svc.Import(context.Background(), data); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("err = %v, want ErrInvalidRecord", err)
	}
	if _, err := svc.Import(context.Background(), []byte("not json")); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("garbage err = %v, want ErrInvalidRecord", err)
	}
}

// normalizeJSON compares records by their JSON form so RawMessage
// whitespace and time zone representation do not matter.
func normalizeJSON(t *testing.T, r Record) map[string]any {
	t.Helper()
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	return m
}
