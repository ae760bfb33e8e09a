package model

import (
	"encoding/json"
	"fmt"
)

// Tool is the active drawing tool shared between the shell and the drawing engine.
type Tool int

const (
	ToolSelect Tool = iota
	ToolTrendline
	ToolHorizontal
	ToolVertical
	ToolRectangle
	ToolEllipse
	ToolTriangle
	ToolArrow
	ToolPolygon
	ToolText
	ToolFibonacci
)

var toolNames = [...]string{
	ToolSelect:     "select",
	ToolTrendline:  "trendline",
	ToolHorizontal: "horizontal",
	ToolVertical:   "vertical",
	ToolRectangle:  "rectangle",
	ToolEllipse:    "ellipse",
	ToolTriangle:   "triangle",
	ToolArrow:      "arrow",
	ToolPolygon:    "polygon",
	ToolText:       "text",
	ToolFibonacci:  "fibonacci",
}

func (t Tool) String() string {
	if t < 0 || int(t) >= len(toolNames) {
		return "unknown"
	}
	return toolNames[t]
}

// ParseTool converts a tool name into a Tool.
func ParseTool(s string) (Tool, error) {
	for i, name := range toolNames {
		if name == s {
			return Tool(i), nil
		}
	}
	return ToolSelect, fmt.Errorf("unknown tool %q", s)
}

// Drawing reports whether the tool creates shapes.
func (t Tool) Drawing() bool { return t != ToolSelect }

// MultiPoint reports whether the tool collects vertices across several clicks.
func (t Tool) MultiPoint() bool { return t == ToolPolygon }

func (t Tool) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *Tool) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTool(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// CursorStyle is the pointer style used by the selection tool.
type CursorStyle string

const (
	CursorDefault   CursorStyle = "default"
	CursorDot       CursorStyle = "dot"
	CursorCrosshair CursorStyle = "crosshair"
	CursorMove      CursorStyle = "move"
)

// ParseCursorStyle validates a cursor style, defaulting empty input to CursorDefault.
func ParseCursorStyle(s string) (CursorStyle, error) {
	switch CursorStyle(s) {
	case "":
		return CursorDefault, nil
	case CursorDefault, CursorDot, CursorCrosshair, CursorMove:
		return CursorStyle(s), nil
	}
	return CursorDefault, fmt.Errorf("unknown cursor style %q", s)
}
