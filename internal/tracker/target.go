package tracker

import (
	"slices"
	"sync"
	"time"
)

// Target is a hoverable element. OnHover attaches one pair of listeners;
// the recorder calls it at most once per target id.
type Target interface {
	ID() string
	OnHover(enter, leave func(now time.Time))
}

// Element is an in-memory Target. Enter and Leave dispatch to every
// attached listener, like pointer-enter/leave on a DOM node.
type Element struct {
	id string

	mu     sync.Mutex
	enters []func(time.Time)
	leaves []func(time.Time)
}

func NewElement(id string) *Element {
	return &Element{id: id}
}

func (e *Element) ID() string { return e.id }

func (e *Element) OnHover(enter, leave func(now time.Time)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enters = append(e.enters, enter)
	e.leaves = append(e.leaves, leave)
}

func (e *Element) Enter(now time.Time) {
	for _, fn := range e.listeners(true) {
		fn(now)
	}
}

func (e *Element) Leave(now time.Time) {
	for _, fn := range e.listeners(false) {
		fn(now)
	}
}

// Listeners reports how many listener pairs are attached.
func (e *Element) Listeners() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.enters)
}

func (e *Element) listeners(enter bool) []func(time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if enter {
		return slices.Clone(e.enters)
	}
	return slices.Clone(e.leaves)
}
