package tracker

import "studytrace/internal/model"

// Rect is an element's bounding box in viewport coordinates.
type Rect struct {
	Left   float64 `yaml:"left"`
	Top    float64 `yaml:"top"`
	Right  float64 `yaml:"right"`
	Bottom float64 `yaml:"bottom"`
}

// Layout exposes the page geometry the classifiers read. Values are read on
// every classification and may be stale relative to the real page.
type Layout interface {
	// LeftAnchor is the left sidebar column; ok is false when it is absent.
	LeftAnchor() (r Rect, ok bool)
	// RightAnchor is the right agents column; ok is false when it is absent.
	RightAnchor() (r Rect, ok bool)
	ViewportWidth() float64
}

// Classifier maps a pointer position to one of the model.Region* ids.
type Classifier interface {
	Classify(x, y float64) string
}

// NewClassifier resolves both anchors once. When both exist the boundary
// classifier is returned, otherwise the proportional fallback.
func NewClassifier(layout Layout) Classifier {
	_, okL := layout.LeftAnchor()
	_, okR := layout.RightAnchor()
	if okL && okR {
		return &BoundaryClassifier{layout: layout}
	}
	return &ProportionalClassifier{layout: layout}
}

// BoundaryClassifier splits the page at the right edge of the left column
// and the left edge of the right column. A point on a boundary goes to the
// region tested first: left, then right, then center.
type BoundaryClassifier struct {
	layout Layout
}

func (c *BoundaryClassifier) Classify(x, _ float64) string {
	left, _ := c.layout.LeftAnchor()
	right, _ := c.layout.RightAnchor()

	if x <= left.Right {
		return model.RegionLeft
	}
	if x >= right.Left {
		return model.RegionRight
	}
	return model.RegionCenter
}

// ProportionalClassifier is used when the layout columns cannot be found:
// the left quarter, the middle half and the right quarter of the viewport.
type ProportionalClassifier struct {
	layout Layout
}

func (c *ProportionalClassifier) Classify(x, _ float64) string {
	w := c.layout.ViewportWidth()
	switch {
	case x < w*0.25:
		return model.RegionLeft
	case x < w*0.75:
		return model.RegionCenter
	default:
		return model.RegionRight
	}
}

// StaticLayout is a fixed Layout, e.g. decoded from a layout file. Nil
// anchors are treated as absent.
type StaticLayout struct {
	Width float64 `yaml:"viewport_width"`
	Left  *Rect   `yaml:"left_anchor"`
	Right *Rect   `yaml:"right_anchor"`
}

func (l *StaticLayout) LeftAnchor() (Rect, bool) {
	if l.Left == nil {
		return Rect{}, false
	}
	return *l.Left, true
}

func (l *StaticLayout) RightAnchor() (Rect, bool) {
	if l.Right == nil {
		return Rect{}, false
	}
	return *l.Right, true
}

func (l *StaticLayout) ViewportWidth() float64 {
	return l.Width
}
