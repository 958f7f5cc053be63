// Package filter implements the pull-based filter chain that sits
// between raw storage bytes and a caller's view of a stream (spec.md
// §4.4): hashing, compression, encryption, and verification filters
// composed into an ordered Group.
//
// Simplification from the strict chunked-replay contract: spec.md
// describes filters that may request "input_same" (re-invoke Step with
// the same chunk) when they cannot drain all output in one call, which
// models a bounded internal output buffer. Our filters write through
// Go's standard io.Writer-based codecs into an unbounded
// container.Buffer, so none of them ever need another drive of the same
// input — Step always fully consumes what it's given. The inputSame
// return value is kept in the interface so a future filter (or a
// bounded-buffer variant) can use it; Group.Step still honors it if one
// ever does.
package filter

import (
	"fmt"

	"github.com/vbp1/pgbackrest-go/internal/container"
)

// Filter transforms a byte stream. See the package doc for the
// input_same simplification.
type Filter interface {
	Name() string
	Step(in []byte, out *container.Buffer) (inputSame bool, err error)
	Flush(out *container.Buffer) error
	Done() bool
	Result() (value any, ok bool)
}

// Group drives an ordered list of filters, feeding each one's output
// into the next.
type Group struct {
	filters []Filter
}

// NewGroup returns a Group driving filters in order, head first.
func NewGroup(filters ...Filter) *Group {
	return &Group{filters: filters}
}

func (g *Group) stepOne(f Filter, in []byte) ([]byte, error) {
	out := container.NewBuffer(len(in))
	for {
		more, err := f.Step(in, out)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", f.Name(), err)
		}
		if !more {
			break
		}
	}
	cp := make([]byte, out.Len())
	copy(cp, out.Bytes())
	return cp, nil
}

// Step pushes chunk through every filter in order and returns the final
// downstream bytes.
func (g *Group) Step(chunk []byte) ([]byte, error) {
	cur := chunk
	for _, f := range g.filters {
		next, err := g.stepOne(f, cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// Flush drives EOF through the filters left to right: each filter is
// flushed to Done(), and whatever it emits is fed through every
// remaining filter (as an ordinary Step, then that filter is flushed in
// turn) before returning the final tail bytes.
func (g *Group) Flush() ([]byte, error) {
	pending := []byte{}
	for _, f := range g.filters {
		if len(pending) > 0 {
			fed, err := g.stepOne(f, pending)
			if err != nil {
				return nil, err
			}
			pending = fed
		}
		out := container.NewBuffer(0)
		for !f.Done() {
			if err := f.Flush(out); err != nil {
				return nil, fmt.Errorf("filter %s flush: %w", f.Name(), err)
			}
		}
		pending = append(pending, out.Bytes()...)
	}
	return pending, nil
}

// Results gathers each filter's post-close result keyed by name, per
// spec.md §4.4 ("the group gathers each filter's result keyed by filter
// name").
func (g *Group) Results() map[string]any {
	res := make(map[string]any, len(g.filters))
	for _, f := range g.filters {
		if v, ok := f.Result(); ok {
			res[f.Name()] = v
		}
	}
	return res
}
