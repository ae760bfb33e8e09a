package chart

// Panes holds pane heights in pixels. Disabled sub-panes are zero.
type Panes struct {
	Main int `json:"main"`
	RSI  int `json:"rsi"`
	MACD int `json:"macd"`
}

// ComputeLayout splits height between the price pane and the optional RSI
// and MACD panes: 100%, 70/30 with one sub-pane, 60/20/20 with both. The
// last pane absorbs rounding so the parts always sum to height.
func ComputeLayout(height int, rsi, macd bool) Panes {
	if height < 0 {
		height = 0
	}
	switch {
	case rsi && macd:
		main := height * 60 / 100
		r := height * 20 / 100
		return Panes{Main: main, RSI: r, MACD: height - main - r}
	case rsi:
		main := height * 70 / 100
		return Panes{Main: main, RSI: height - main}
	case macd:
		main := height * 70 / 100
		return Panes{Main: main, MACD: height - main}
	}
	return Panes{Main: height}
}
