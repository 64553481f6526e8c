package specialist

import (
	"context"
	"iter"
	"strings"
	"sync"
)

// Script produces the chunks for one request.
type Script func(req Request) ([]string, error)

// Static replays scripted output. It is used for dry runs and tests.
type Static struct {
	name   string
	script Script

	mu    sync.Mutex
	calls []Request
}

// NewStatic returns a Static that answers every request with script.
func NewStatic(name string, script Script) *Static {
	return &Static{name: name, script: script}
}

// Reply returns a Static that always answers text, split into lines.
func Reply(name, text string) *Static {
	return NewStatic(name, func(Request) ([]string, error) {
		return strings.SplitAfter(text, "\n"), nil
	})
}

func (s *Static) Name() string { return s.name }

// Calls returns the requests seen so far.
func (s *Static) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

func (s *Static) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.mu.Lock()
		s.calls = append(s.calls, req)
		s.mu.Unlock()

		chunks, err := s.script(req)
		if err != nil {
			yield("", err)
			return
		}
		for _, c := range chunks {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}
