// Package viewport holds the pure scroll arithmetic used for pagination
// anchoring and live-edge detection.
package viewport

// NearBottomThreshold is the distance from the bottom, in pixels, within
// which the reader counts as being at the live edge.
const NearBottomThreshold = 100.0

// Viewport is a snapshot of a scrollable message list.
type Viewport struct {
	ScrollTop    float64
	ClientHeight float64
	ScrollHeight float64
}

// DistanceFromBottom returns how far the visible window is from the end of
// the content. Never negative.
func (v Viewport) DistanceFromBottom() float64 {
	d := v.ScrollHeight - v.ClientHeight - v.ScrollTop
	if d < 0 {
		return 0
	}
	return d
}

// NearBottom reports whether the window is within threshold of the end.
func (v Viewport) NearBottom(threshold float64) bool {
	return v.DistanceFromBottom() <= threshold
}

// Anchor returns the viewport after addedAbove pixels of content were
// inserted above the first visible item: the scroll offset moves by exactly
// that delta so the visible items keep their on-screen position.
func (v Viewport) Anchor(addedAbove float64) Viewport {
	if addedAbove <= 0 {
		return v
	}
	v.ScrollTop += addedAbove
	v.ScrollHeight += addedAbove
	return v
}

// Grow returns the viewport after addedBelow pixels were appended at the end.
func (v Viewport) Grow(addedBelow float64) Viewport {
	if addedBelow > 0 {
		v.ScrollHeight += addedBelow
	}
	return v
}

// ToBottom returns the viewport scrolled to the live edge.
func (v Viewport) ToBottom() Viewport {
	top := v.ScrollHeight - v.ClientHeight
	if top < 0 {
		top = 0
	}
	v.ScrollTop = top
	return v
}

// Height sums measure over items.
func Height[T any](items []T, measure func(T) float64) float64 {
	var h float64
	for _, it := range items {
		h += measure(it)
	}
	return h
}
