package specialist

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Command runs a generator CLI. The composed prompt is written to stdin and
// every stdout line is yielded as a chunk.
type Command struct {
	name   string
	argv   []string
	dir    string
	logger *zap.Logger
}

// NewCommand returns a Command for argv, run in dir.
func NewCommand(argv []string, dir string, logger *zap.Logger) (*Command, error) {
	if len(argv) == 0 {
		return nil, errors.New("specialist command is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Command{name: argv[0], argv: argv, dir: dir, logger: logger}, nil
}

func (c *Command) Name() string { return c.name }

// ComposePrompt renders a request as the text sent to a generator.
func ComposePrompt(req Request) (string, error) {
	var b strings.Builder
	if req.SystemPrompt != "" {
		b.WriteString(req.SystemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString(req.UserPrompt)
	if len(req.Context) > 0 {
		ctxJSON, err := json.MarshalIndent(req.Context, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encoding prompt context: %w", err)
		}
		b.WriteString("\n\nContext JSON:\n")
		b.Write(ctxJSON)
	}
	return b.String(), nil
}

func (c *Command) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	prompt, err := ComposePrompt(req)
	if err != nil {
		return errorSeq(&BackendError{Backend: c.name, Err: err})
	}

	return func(yield func(string, error) bool) {
		cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
		cmd.Dir = c.dir
		cmd.Stdin = strings.NewReader(prompt)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield("", &BackendError{Backend: c.name, Err: err})
			return
		}
		if err := cmd.Start(); err != nil {
			var execErr *exec.Error
			yield("", &BackendError{Backend: c.name, Err: err, Retriable: !errors.As(err, &execErr)})
			return
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			if !yield(scanner.Text()+"\n", nil) {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return
			}
		}
		scanErr := scanner.Err()

		if err := cmd.Wait(); err != nil {
			be := &BackendError{Backend: c.name, Err: err, Retriable: true, Stderr: tail(stderr.String(), 512)}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				be.ExitCode = exitErr.ExitCode()
			}
			if ctx.Err() != nil {
				be.Err = fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
			}
			c.logger.Warn("specialist command failed", zap.String("backend", c.name), zap.Error(be))
			yield("", be)
			return
		}
		if scanErr != nil {
			yield("", &BackendError{Backend: c.name, Err: scanErr, Retriable: true})
		}
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
