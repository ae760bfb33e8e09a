package drawing

import (
	"encoding/json"
	"fmt"
)

// Export encodes the committed shapes as a JSON array in z-order.
func (e *Engine) Export() ([]byte, error) {
	shapes := e.Shapes()
	if shapes == nil {
		shapes = []Shape{}
	}
	return json.Marshal(shapes)
}

// Import replaces every shape with the decoded list. The whole list is
// validated before anything changes; missing or duplicate ids are
// regenerated.
func (e *Engine) Import(data []byte) error {
	shapes, err := DecodeShapes(data)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelGestureLocked()
	e.shapes = make(map[string]*Shape, len(shapes))
	e.order = e.order[:0]
	e.selected = ""
	for i := range shapes {
		s := shapes[i]
		if s.ID == "" {
			s.ID = e.opts.NewID()
		}
		if _, dup := e.shapes[s.ID]; dup {
			s.ID = e.opts.NewID()
		}
		e.shapes[s.ID] = &s
		e.order = append(e.order, s.ID)
	}
	e.renderLocked()
	return nil
}

// DecodeShapes parses and validates a JSON shape list. Empty input and
// JSON null decode to an empty list.
func DecodeShapes(data []byte) ([]Shape, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var shapes []Shape
	if err := json.Unmarshal(data, &shapes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShape, err)
	}
	for i, s := range shapes {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("shape %d: %w", i, err)
		}
	}
	return shapes, nil
}
