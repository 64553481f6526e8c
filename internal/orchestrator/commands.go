package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// tailBytes bounds captured command output.
const tailBytes = 1000

var shellRequired = regexp.MustCompile("(?:\\|\\||&&|[|;<>`]|[$]\\()")

// CommandRunner executes phase commands (lint, type-check, tests).
type CommandRunner interface {
	Run(ctx context.Context, command string) *CommandResult
}

// ShellRunner runs commands in Dir. Commands with shell operators go
// through sh -c; others are split on whitespace and exec'd directly.
type ShellRunner struct {
	Dir     string
	Timeout time.Duration
}

func (r *ShellRunner) Run(ctx context.Context, command string) *CommandResult {
	res := &CommandResult{Command: command}
	text := strings.TrimSpace(command)
	if text == "" {
		res.ExitCode = 1
		res.StderrTail = "command is empty"
		return res
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if shellRequired.MatchString(text) {
		cmd = exec.CommandContext(ctx, "sh", "-c", text)
	} else {
		argv := strings.Fields(text)
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	}
	cmd.Dir = r.Dir
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res.Duration = time.Since(start)
	res.StdoutTail = tail(strings.TrimSpace(stdout.String()), tailBytes)
	res.StderrTail = tail(strings.TrimSpace(stderr.String()), tailBytes)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = 127
		res.StderrTail = tail(strings.TrimSpace(res.StderrTail+"\n"+err.Error()), tailBytes)
	}
	return res
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
