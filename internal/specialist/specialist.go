// Package specialist invokes the external text generators that act as
// planner, coder, tester, critic and documenter.
//
// A Specialist streams chunks lazily; Collect folds a stream into a Result.
// Command runs a generator CLI, Resilient adds retries and a fallback,
// Limited adds rate limiting, and Static replays scripted output.
package specialist

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
)

var (
	// ErrBackend matches every generator failure.
	ErrBackend = errors.New("specialist backend failed")
	// ErrTimeout marks an attempt that exceeded its deadline.
	ErrTimeout = errors.New("specialist timed out")
)

// Request is one prompt sent to a generator.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Context      map[string]any
}

// Specialist is a text generator.
type Specialist interface {
	Name() string
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// Result is a fully collected response.
type Result struct {
	Backend  string
	Content  string
	Chunks   int
	Duration time.Duration
}

// Collect drains the stream of s and returns the trimmed content.
func Collect(ctx context.Context, s Specialist, req Request) (Result, error) {
	start := time.Now()
	var (
		b      strings.Builder
		chunks int
	)
	for chunk, err := range s.Stream(ctx, req) {
		if err != nil {
			return Result{Backend: s.Name()}, err
		}
		b.WriteString(chunk)
		chunks++
	}
	return Result{
		Backend:  s.Name(),
		Content:  strings.TrimSpace(b.String()),
		Chunks:   chunks,
		Duration: time.Since(start),
	}, nil
}

// BackendError describes a failed generator invocation.
type BackendError struct {
	Backend   string
	ExitCode  int
	Retriable bool
	Stderr    string
	Err       error
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("backend %s failed", e.Backend)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *BackendError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBackend}
	}
	return []error{ErrBackend, e.Err}
}

// errorSeq yields a single error.
func errorSeq(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}
