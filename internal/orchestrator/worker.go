package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/architect/internal/config"
	"github.com/fyrsmithlabs/architect/internal/events"
	"github.com/fyrsmithlabs/architect/internal/session"
	"github.com/fyrsmithlabs/architect/internal/specialist"
	"github.com/fyrsmithlabs/architect/internal/taskgraph"
)

// stateDir holds run-local files that are never committed.
const stateDir = ".architect"

var instructions = map[taskgraph.Type]string{
	taskgraph.TypePlan: "Produce an implementation plan for the goal. Cover analysis, interfaces, " +
		"risks and milestones, and list the steps as a numbered list.",
	taskgraph.TypeImplement: "Implement the task in the working tree, then summarize the changes you made.",
	taskgraph.TypeTest:      "Add or update tests for the run's changes and report the results.",
	taskgraph.TypeReview: "Review the run's changes. Label every finding BLOCKER, MAJOR, MINOR or SUGGESTION. " +
		"Report no BLOCKER findings when the changes are acceptable.",
	taskgraph.TypeDocument: "Update the documentation affected by the run's changes and summarize the documentation impact.",
}

// worker executes one task end to end for the scheduler.
type worker struct {
	c        *Coordinator
	runID    string
	goal     string
	isolated map[string]bool
	halt     func(error)
}

func (w *worker) Execute(ctx context.Context, task *taskgraph.Task) (err error) {
	c := w.c
	phase := PhaseFor(task.Type)
	logger := c.logger.With(
		zap.String("run_id", w.runID),
		zap.String("task_id", task.ID),
		zap.String("phase", string(phase)))
	ctx, span := c.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("run_id", w.runID),
		attribute.String("task_id", task.ID),
		attribute.String("phase", string(phase)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if Unrecoverable(err) {
				w.halt(err)
			}
		}
		span.End()
	}()

	if err := c.leases.Heartbeat(ctx, w.runID, task.ID); err != nil {
		return err
	}
	if _, err := c.records.UpsertRun(ctx, w.runID, func(r *RunRecord) {
		r.ActiveTaskID = task.ID
		r.HeartbeatAt = c.now().UTC()
	}); err != nil {
		return err
	}
	if err := c.sessions.AppendPhase(ctx, w.runID, string(phase), "started"); err != nil {
		return err
	}
	c.events.Publish(events.Event{Kind: events.KindTask, RunID: w.runID, TaskID: task.ID,
		Status: string(taskgraph.StatusInProgress), Detail: map[string]any{"attempt": task.AttemptCount + 1}})

	in, err := w.perform(ctx, task, phase)
	if err != nil {
		w.finish(ctx, logger, task, phase, err)
		return err
	}
	_, err = c.engine.Evaluate(ctx, phase, *in)
	var gf *GateFailure
	if phase == PhaseReview && errors.As(err, &gf) && blocked(gf) {
		err = w.remediate(ctx, logger, task, in, err)
	}
	w.finish(ctx, logger, task, phase, err)
	return err
}

// perform invokes the specialist and captures its changes as gate input.
func (w *worker) perform(ctx context.Context, task *taskgraph.Task, phase Phase) (*GateInput, error) {
	c := w.c
	role := task.AssignedRole
	if role == "" {
		role = task.Type.Role()
	}
	output, err := w.invoke(ctx, task, role, w.prompt(task), nil)
	if err != nil {
		return nil, err
	}
	in := &GateInput{RunID: w.runID, TaskID: task.ID, Output: output}

	switch task.Type {
	case taskgraph.TypeImplement, taskgraph.TypeDocument:
		if in.Patch, err = w.capture(ctx, task, output); err != nil {
			return nil, err
		}
	}
	if in.Patch != nil {
		if in.Diff, err = c.vcs.Diff(ctx, in.Patch.CommitID); err != nil {
			return nil, err
		}
	}
	in.Commands = w.commands(ctx, phase)
	if in.RunFiles, err = w.runFiles(ctx); err != nil {
		return nil, err
	}
	return in, nil
}

func (w *worker) prompt(task *taskgraph.Task) string {
	var b strings.Builder
	b.WriteString(instructions[task.Type])
	fmt.Fprintf(&b, "\n\nTask: %s", task.Description)
	if task.PatchRef != "" {
		fmt.Fprintf(&b, "\nRework patch %s as described.", task.PatchRef)
	}
	return b.String()
}

// invoke runs role on prompt, redacts the output and records it as a decision.
func (w *worker) invoke(ctx context.Context, task *taskgraph.Task, role specialist.Role, prompt string, extra map[string]any) (string, error) {
	c := w.c
	reqCtx := map[string]any{
		"goal":    w.goal,
		"run_id":  w.runID,
		"task_id": task.ID,
		"task":    task.Description,
		"type":    string(task.Type),
		"role":    string(role),
	}
	for k, v := range extra {
		reqCtx[k] = v
	}
	res, err := specialist.Collect(ctx, c.backend, specialist.Request{
		SystemPrompt: c.prompts.System(role),
		UserPrompt:   prompt,
		Context:      reqCtx,
	})
	if err != nil {
		return "", fmt.Errorf("%s specialist: %w", role, err)
	}
	output := c.redact(res.Content)
	if _, err := c.records.RecordDecision(ctx, Decision{
		Topic:     TopicTaskOutput,
		DecidedBy: string(role),
		TaskID:    task.ID,
		RunID:     w.runID,
		Summary:   output,
	}); err != nil {
		return "", err
	}
	return output, nil
}

// capture commits the task's working tree changes and proposes them as a
// patch. Without changes it falls back to the configured artifact mode.
func (w *worker) capture(ctx context.Context, task *taskgraph.Task, output string) (*session.Patch, error) {
	c := w.c
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	dirty, err := c.vcs.DirtyPaths(ctx)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, p := range dirty {
		if w.isolated[p] || p == stateDir || strings.HasPrefix(p, stateDir+"/") {
			continue
		}
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		return w.fallback(ctx, task, output)
	}
	return w.commit(ctx, task, paths)
}

func (w *worker) commit(ctx context.Context, task *taskgraph.Task, paths []string) (*session.Patch, error) {
	c := w.c
	commitID, err := c.vcs.Commit(ctx, paths, commitMessage(task))
	if err != nil {
		return nil, err
	}
	p, err := c.patches.Propose(ctx, w.runID, task.ID, commitID)
	if err != nil {
		return nil, err
	}
	task.PatchID = p.ID
	if _, err := c.tasks.Update(ctx, w.runID, task.ID, func(t *taskgraph.Task) error {
		t.PatchID = p.ID
		return nil
	}); err != nil {
		return nil, err
	}
	c.events.Publish(events.Event{Kind: events.KindPatch, RunID: w.runID, TaskID: task.ID,
		Status: string(p.Status), Detail: map[string]any{"patch_id": p.ID, "files": p.FilesChanged}})
	return p, nil
}

// fallback writes the specialist output as an artifact. Tracked artifacts
// are committed and proposed; local ones stay under the state directory.
func (w *worker) fallback(ctx context.Context, task *taskgraph.Task, output string) (*session.Patch, error) {
	c := w.c
	wf := c.cfg.Workflow
	dir := path.Join(stateDir, "runs", w.runID)
	if wf.FallbackArtifactMode == config.FallbackTracked {
		dir = path.Join(wf.TrackedFallbackDir, w.runID)
	}
	rel := path.Join(dir, task.ID+".md")
	abs := filepath.Join(c.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	body := fmt.Sprintf("# %s\n\n%s\n", task.Description, output)
	if err := os.WriteFile(abs, []byte(body), 0o644); err != nil {
		return nil, fmt.Errorf("writing artifact: %w", err)
	}
	c.logger.Info("no working tree changes, wrote fallback artifact",
		zap.String("run_id", w.runID),
		zap.String("task_id", task.ID),
		zap.String("path", rel),
		zap.String("mode", string(wf.FallbackArtifactMode)))
	if wf.FallbackArtifactMode != config.FallbackTracked {
		return nil, nil
	}
	return w.commit(ctx, task, []string{rel})
}

const maxSubjectRunes = 60

func commitMessage(task *taskgraph.Task) string {
	subject := strings.TrimSpace(strings.SplitN(task.Description, "\n", 2)[0])
	if r := []rune(subject); len(r) > maxSubjectRunes {
		subject = strings.TrimSpace(string(r[:maxSubjectRunes]))
	}
	return fmt.Sprintf("architect(%s): %s", task.ID, subject)
}

// commands runs the configured commands for phase.
func (w *worker) commands(ctx context.Context, phase Phase) map[string]*CommandResult {
	c := w.c
	proj, wf := c.cfg.Project, c.cfg.Workflow
	var todo []struct{ key, cmd string }
	switch phase {
	case PhaseImplementation:
		if wf.AutoLint && proj.LintCommand != "" {
			todo = append(todo, struct{ key, cmd string }{CommandLint, proj.LintCommand})
		}
		if proj.TypeCheckCommand != "" {
			todo = append(todo, struct{ key, cmd string }{CommandTypeCheck, proj.TypeCheckCommand})
		}
	case PhaseTesting:
		if wf.AutoTest && proj.TestCommand != "" {
			todo = append(todo, struct{ key, cmd string }{CommandTest, proj.TestCommand})
		}
	}
	out := make(map[string]*CommandResult, len(todo))
	for _, t := range todo {
		r := c.runner.Run(ctx, t.cmd)
		out[t.key] = r
		c.logger.Info("phase command finished",
			zap.String("run_id", w.runID),
			zap.String("command", t.key),
			zap.Int("exit_code", r.ExitCode),
			zap.Bool("timed_out", r.TimedOut),
			zap.Duration("duration", r.Duration))
	}
	return out
}

// runFiles lists the files changed by the run's live patches.
func (w *worker) runFiles(ctx context.Context) ([]string, error) {
	doc, err := w.c.sessions.Load(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var files []string
	for _, p := range doc.Patches {
		if p.RunID != w.runID || p.Status == session.PatchRejected {
			continue
		}
		for _, f := range p.FilesChanged {
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
	}
	return files, nil
}

func blocked(gf *GateFailure) bool {
	for _, r := range gf.Failed {
		if HasBlockers(r) {
			return true
		}
	}
	return false
}

// remediate asks the coder to address blocker findings and the critic to
// re-review, for at most max_conflict_cycles rounds.
func (w *worker) remediate(ctx context.Context, logger *zap.Logger, task *taskgraph.Task, in *GateInput, err error) error {
	c := w.c
	for round := 1; round <= c.cfg.Workflow.MaxConflictCycles; round++ {
		logger.Info("remediating review blockers", zap.Int("round", round))
		extra := map[string]any{"round": round, "findings": in.Output}
		fix, ierr := w.invoke(ctx, task, specialist.RoleCoder,
			"Resolve every BLOCKER finding from this review, then summarize the fixes.\n\n"+in.Output, extra)
		if ierr != nil {
			return ierr
		}
		if _, cerr := w.capture(ctx, task, fix); cerr != nil {
			return cerr
		}
		review, ierr := w.invoke(ctx, task, specialist.RoleCritic, w.prompt(task), extra)
		if ierr != nil {
			return ierr
		}
		in.Output = review
		if in.RunFiles, ierr = w.runFiles(ctx); ierr != nil {
			return ierr
		}
		if _, rerr := c.records.RecordDecision(ctx, Decision{
			Topic:     TopicConflictResolved,
			DecidedBy: string(specialist.RoleCritic),
			TaskID:    task.ID,
			RunID:     w.runID,
			Summary:   fmt.Sprintf("remediation round %d: %s", round, fix),
		}); rerr != nil {
			return rerr
		}
		_, err = c.engine.Evaluate(ctx, PhaseReview, *in)
		var gf *GateFailure
		if err == nil || !errors.As(err, &gf) || !blocked(gf) {
			return err
		}
	}
	return err
}

func (w *worker) finish(ctx context.Context, logger *zap.Logger, task *taskgraph.Task, phase Phase, err error) {
	c := w.c
	status := "completed"
	if err != nil {
		status = "failed"
	}
	if perr := c.sessions.AppendPhase(context.WithoutCancel(ctx), w.runID, string(phase), status); perr != nil {
		logger.Warn("recording phase status", zap.Error(perr))
	}
	detail := map[string]any{"phase": string(phase)}
	var gf *GateFailure
	if errors.As(err, &gf) {
		var failed []string
		for _, r := range gf.Failed {
			failed = append(failed, r.GateName)
		}
		detail["failed_gates"] = failed
		c.events.Publish(events.Event{Kind: events.KindGate, RunID: w.runID, TaskID: task.ID,
			Status: "failed", Detail: detail})
	}
	if err != nil {
		logger.Warn("task attempt failed", zap.Int("attempt", task.AttemptCount+1), zap.Error(err))
		return
	}
	logger.Info("task attempt succeeded", zap.Int("attempt", task.AttemptCount+1))
	c.events.Publish(events.Event{Kind: events.KindTask, RunID: w.runID, TaskID: task.ID,
		Status: string(taskgraph.StatusDone), Detail: detail})
}
