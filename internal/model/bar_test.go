package model

import (
	"math"
	"testing"
)

func TestBarValid(t *testing.T) {
	tests := []struct {
		name string
		bar  Bar
		want bool
	}{
		{"ok", Bar{Open: 10, High: 12, Low: 9, Close: 11, Volume: 5}, true},
		{"flat", Bar{Open: 10, High: 10, Low: 10, Close: 10}, true},
		{"high below close", Bar{Open: 10, High: 10.5, Low: 9, Close: 11}, false},
		{"low above open", Bar{Open: 10, High: 12, Low: 10.5, Close: 11}, false},
		{"nan", Bar{Open: math.NaN(), High: 12, Low: 9, Close: 11}, false},
		{"inf", Bar{Open: 10, High: math.Inf(1), Low: 9, Close: 11}, false},
		{"negative volume", Bar{Open: 10, High: 12, Low: 9, Close: 11, Volume: -1}, false},
	}
	for _, tt := range tests {
		if got := tt.bar.Valid(); got != tt.want {
			t.Errorf("%s: Valid() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestClosesAndTail(t *testing.T) {
	bars := []Bar{{Close: 1}, {Close: 2}, {Close: 3}}
	closes := Closes(bars)
	if len(closes) != 3 || closes[2] != 3 {
		t.Errorf("closes = %v", closes)
	}
	if got := Tail(bars, 2); len(got) != 2 || got[0].Close != 2 {
		t.Errorf("tail 2 = %v", got)
	}
	if got := Tail(bars, 10); len(got) != 3 {
		t.Errorf("tail 10 = %v", got)
	}
	if got := Tail(bars, 0); len(got) != 3 {
		t.Errorf("tail 0 = %v", got)
	}
}

func TestBarJSON(t *testing.T) {
	b := Bar{Time: 1, Open: 2, High: 3, Low: 1, Close: 2, Volume: 7}
	want := `{"time":1,"open":2,"high":3,"low":1,"close":2,"volume":7}`
	if got := string(b.JSON()); got != want {
		t.Errorf("JSON = %s, want %s", got, want)
	}
}
