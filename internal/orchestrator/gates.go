package orchestrator

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fyrsmithlabs/architect/internal/config"
	"github.com/fyrsmithlabs/architect/internal/secrets"
)

var (
	planStepPattern = regexp.MustCompile(`^(?:[-*]|\d+[.)])\s+(.+)$`)
	sentenceSplit   = regexp.MustCompile(`[\n.]`)
	severityPattern = regexp.MustCompile(`(?i)\b(BLOCKER|MAJOR|MINOR|SUGGESTION)\b`)
	// Decimal percentages such as "75.0%" count by their integer part.
	coveragePattern = regexp.MustCompile(`\b(\d{1,3})(?:\.\d+)?%`)
)

const (
	maxPlanSteps      = 24
	maxSentenceSteps  = 6
	reasonEmptyOutput = "output is empty"
)

// PlanSteps extracts list items from content. Without list items it falls
// back to the first sentences.
func PlanSteps(content string) []string {
	var steps []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if m := planStepPattern.FindStringSubmatch(line); m != nil {
			steps = append(steps, strings.TrimSpace(m[1]))
		}
	}
	if len(steps) == 0 && strings.TrimSpace(content) != "" {
		for _, s := range sentenceSplit.Split(content, -1) {
			if s = strings.TrimSpace(s); s != "" {
				steps = append(steps, s)
			}
			if len(steps) == maxSentenceSteps {
				break
			}
		}
	}
	if len(steps) > maxPlanSteps {
		steps = steps[:maxPlanSteps]
	}
	return steps
}

// jsonLines returns every line of text that is a JSON object.
func jsonLines(text string) []map[string]any {
	var out []map[string]any
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			out = append(out, obj)
		}
	}
	return out
}

// Findings counts review findings by severity.
type Findings struct {
	Blocker    int `json:"blocker"`
	Major      int `json:"major"`
	Minor      int `json:"minor"`
	Suggestion int `json:"suggestion"`
}

func (f *Findings) add(severity string, n int) bool {
	switch strings.ToUpper(severity) {
	case "BLOCKER":
		f.Blocker += n
	case "MAJOR":
		f.Major += n
	case "MINOR":
		f.Minor += n
	case "SUGGESTION":
		f.Suggestion += n
	default:
		return false
	}
	return true
}

func (f Findings) String() string {
	return fmt.Sprintf("blocker=%d major=%d minor=%d suggestion=%d", f.Blocker, f.Major, f.Minor, f.Suggestion)
}

// ParseFindings reads severities from JSON lines ("counts", "severity",
// "findings[].severity"). When no JSON line carries one, severity words are
// counted instead.
func ParseFindings(content string) Findings {
	var f Findings
	structured := false
	for _, obj := range jsonLines(content) {
		if counts, ok := obj["counts"].(map[string]any); ok {
			for k, v := range counts {
				if n, ok := asInt(v); ok && f.add(k, n) {
					structured = true
				}
			}
		}
		if s, ok := obj["severity"].(string); ok && f.add(s, 1) {
			structured = true
		}
		if items, ok := obj["findings"].([]any); ok {
			for _, item := range items {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if s, ok := m["severity"].(string); ok && f.add(s, 1) {
					structured = true
				}
			}
		}
	}
	if structured {
		return f
	}
	for _, m := range severityPattern.FindAllStringSubmatch(content, -1) {
		f.add(m[1], 1)
	}
	return f
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return int(f), true
	}
	return 0, false
}

func clampPercent(n int) int { return min(100, max(0, n)) }

// CoveragePercent extracts a coverage figure from command output.
func CoveragePercent(output string) (int, bool) {
	for _, obj := range jsonLines(output) {
		if v, ok := obj["coverage_percent"]; ok {
			if n, ok := asInt(v); ok {
				return clampPercent(n), true
			}
			continue
		}
		switch c := obj["coverage"].(type) {
		case float64:
			return clampPercent(int(c)), true
		case map[string]any:
			if p, ok := c["percent"].(float64); ok {
				return clampPercent(int(p)), true
			}
		}
	}
	best, found := 0, false
	for _, m := range coveragePattern.FindAllStringSubmatch(output, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if !found || n > best {
			best, found = n, true
		}
	}
	return clampPercent(best), found
}

// matchAny reports the first pattern that p matches. Patterns without a
// slash also match the base name.
func matchAny(p string, patterns []string) (string, bool) {
	p = strings.ReplaceAll(p, "\\", "/")
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return pattern, true
		}
		if !strings.Contains(pattern, "/") {
			if ok, _ := doublestar.Match(pattern, path.Base(p)); ok {
				return pattern, true
			}
		}
	}
	return "", false
}

var testDirs = map[string]bool{"tests": true, "test": true, "__tests__": true, "spec": true, "specs": true, "testdata": true}

var testSuffixes = []string{
	"_test.go", "_test.py",
	".test.js", ".test.jsx", ".test.ts", ".test.tsx",
	".spec.js", ".spec.jsx", ".spec.ts", ".spec.tsx",
}

func isTestPath(p string) bool {
	p = strings.ToLower(strings.ReplaceAll(p, "\\", "/"))
	segments := strings.Split(p, "/")
	for _, s := range segments[:len(segments)-1] {
		if testDirs[s] {
			return true
		}
	}
	name := segments[len(segments)-1]
	if strings.HasPrefix(name, "test_") {
		return true
	}
	for _, suf := range testSuffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}

func isDocumentationPath(p string) bool {
	p = strings.ToLower(strings.ReplaceAll(p, "\\", "/"))
	name := path.Base(p)
	if strings.HasPrefix(name, "readme") || strings.Contains(name, "changelog") {
		return true
	}
	for _, s := range strings.Split(path.Dir(p), "/") {
		if s == "docs" || s == "doc" || s == "documentation" {
			return true
		}
	}
	switch path.Ext(name) {
	case ".md", ".rst", ".adoc":
		return true
	}
	return false
}

func isInternalPath(p string) bool {
	return strings.HasPrefix(strings.ToLower(strings.ReplaceAll(p, "\\", "/")), ".architect/")
}

// PathPolicy classifies changed files.
type PathPolicy struct {
	// Guarded are the require_tests_for patterns.
	Guarded           []string
	DocsPatterns      []string
	ChangelogPatterns []string
}

// IsGuardedSource reports whether p is source that needs tests. Without
// patterns any non-test, non-doc file outside .architect/ is guarded.
func (pp PathPolicy) IsGuardedSource(p string) bool {
	if len(pp.Guarded) > 0 {
		_, ok := matchAny(p, pp.Guarded)
		return ok
	}
	return !isInternalPath(p) && !isTestPath(p) && !pp.IsDocEvidence(p)
}

func (pp PathPolicy) IsDocEvidence(p string) bool {
	if _, ok := matchAny(p, pp.DocsPatterns); ok {
		return true
	}
	return isDocumentationPath(p)
}

func (pp PathPolicy) IsChangelogEvidence(p string) bool {
	if _, ok := matchAny(p, pp.ChangelogPatterns); ok {
		return true
	}
	return strings.Contains(strings.ToLower(p), "changelog")
}

func (pp PathPolicy) guardedFiles(files []string) []string {
	var out []string
	for _, f := range files {
		if pp.IsGuardedSource(f) {
			out = append(out, f)
		}
	}
	return out
}

func newResult(g Gate) GateResult {
	return GateResult{GateName: g.Name(), Phase: g.Phase(), Passed: true, Artifacts: map[string]string{}}
}

func (r *GateResult) fail(format string, args ...any) {
	r.Passed = false
	r.Reasons = append(r.Reasons, fmt.Sprintf(format, args...))
}

// PlanningGate checks that a plan has actionable steps.
type PlanningGate struct{}

// NewPlanningGate creates a new planning gate
func NewPlanningGate() *PlanningGate { return &PlanningGate{} }

func (g *PlanningGate) Name() string { return "planning-gate" }
func (g *PlanningGate) Phase() Phase { return PhasePlanning }

func (g *PlanningGate) Evaluate(in GateInput) GateResult {
	res := newResult(g)
	content := strings.TrimSpace(in.Output)
	if content == "" {
		res.fail("planning %s", reasonEmptyOutput)
		return res
	}
	steps := PlanSteps(content)
	lower := strings.ToLower(content)
	signals := map[string]bool{
		"interfaces": containsAny(lower, "interface", "boundary", "api"),
		"risks":      containsAny(lower, "risk", "mitigation", "tradeoff"),
		"analysis":   containsAny(lower, "analysis", "problem", "context"),
		"milestones": containsAny(lower, "milestone", "phase", "step"),
	}
	res.Artifacts["steps"] = strconv.Itoa(len(steps))
	all := true
	for name, ok := range signals {
		res.Artifacts["signal."+name] = strconv.FormatBool(ok)
		all = all && ok
	}
	switch {
	case len(steps) == 0:
		res.fail("planning output must include at least one actionable step")
	case !all && len(steps) < 2:
		res.fail("planning output missing required quality signals (interfaces, risks, analysis, milestones)")
	}
	return res
}

func containsAny(s string, tokens ...string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// ImplementationGate enforces lint, type-check and patch guardrails.
type ImplementationGate struct {
	maxFiles  int
	forbidden []string
	scanner   *secrets.Scanner
}

// NewImplementationGate creates an implementation gate. A nil scanner
// disables secret scanning.
func NewImplementationGate(g config.GuardrailsConfig, scanner *secrets.Scanner) *ImplementationGate {
	if !g.SecretScan {
		scanner = nil
	}
	return &ImplementationGate{maxFiles: g.MaxFileChangesPerPatch, forbidden: g.ForbiddenPaths, scanner: scanner}
}

func (g *ImplementationGate) Name() string { return "implementation-gate" }
func (g *ImplementationGate) Phase() Phase { return PhaseImplementation }

func (g *ImplementationGate) Evaluate(in GateInput) GateResult {
	res := newResult(g)
	if strings.TrimSpace(in.Output) == "" {
		res.fail("implementation %s", reasonEmptyOutput)
	}
	checkCommand(&res, CommandLint, in.Commands[CommandLint])
	checkCommand(&res, CommandTypeCheck, in.Commands[CommandTypeCheck])

	if in.Patch == nil {
		return res
	}
	files := in.Patch.FilesChanged
	res.Artifacts["files_changed"] = strconv.Itoa(len(files))
	if g.maxFiles > 0 && len(files) > g.maxFiles {
		res.fail("max_file_changes_per_patch: %d files changed (max %d)", len(files), g.maxFiles)
	}
	for _, f := range files {
		if pattern, ok := matchAny(f, g.forbidden); ok {
			res.fail("forbidden path touched: %s matched %s", f, pattern)
		}
	}
	if g.scanner != nil && in.Diff != "" {
		findings := g.scanner.Scan(in.Diff)
		res.Artifacts["secret_findings"] = strconv.Itoa(len(findings))
		for _, f := range findings {
			res.fail("secret detected by rule %s at line %d", f.RuleID, f.Line)
		}
	}
	return res
}

func checkCommand(res *GateResult, name string, r *CommandResult) {
	if r == nil {
		return
	}
	res.Artifacts[name] = fmt.Sprintf("exit=%d", r.ExitCode)
	switch {
	case r.TimedOut:
		res.fail("%s command timed out after %s", name, r.Duration)
	case r.ExitCode != 0:
		res.fail("%s command failed with exit code %d", name, r.ExitCode)
	}
}

// TestingGate requires the test command to pass and coverage to meet the threshold.
type TestingGate struct {
	threshold int
}

// NewTestingGate creates a testing gate. A threshold of 0 disables the coverage check.
func NewTestingGate(threshold int) *TestingGate { return &TestingGate{threshold: threshold} }

func (g *TestingGate) Name() string { return "testing-gate" }
func (g *TestingGate) Phase() Phase { return PhaseTesting }

func (g *TestingGate) Evaluate(in GateInput) GateResult {
	res := newResult(g)
	r := in.Commands[CommandTest]
	checkCommand(&res, CommandTest, r)
	if !res.Passed || g.threshold <= 0 {
		return res
	}
	pct, ok := CoveragePercent(r.Output())
	res.Artifacts["coverage_threshold"] = strconv.Itoa(g.threshold)
	if !ok {
		res.Artifacts["coverage"] = "none"
		res.fail("Coverage threshold failed: required %d%%, got none", g.threshold)
		return res
	}
	res.Artifacts["coverage"] = strconv.Itoa(pct)
	if pct < g.threshold {
		res.fail("Coverage threshold failed: required %d%%, got %d", g.threshold, pct)
	}
	return res
}

// ReviewPolicy configures the review gate.
type ReviewPolicy struct {
	RequireCriticApproval bool
	// MaxMajorFindings < 0 disables the major findings check.
	MaxMajorFindings int
	RequireDocs      bool
	RequireChangelog bool
	Paths            PathPolicy
}

// ReviewGate evaluates critic findings and run-wide file evidence.
type ReviewGate struct {
	policy ReviewPolicy
}

// NewReviewGate creates a review gate.
func NewReviewGate(p ReviewPolicy) *ReviewGate { return &ReviewGate{policy: p} }

func (g *ReviewGate) Name() string { return "review-gate" }
func (g *ReviewGate) Phase() Phase { return PhaseReview }

func (g *ReviewGate) Evaluate(in GateInput) GateResult {
	res := newResult(g)
	p := g.policy
	f := ParseFindings(in.Output)
	res.Artifacts["findings"] = f.String()

	if p.RequireCriticApproval && f.Blocker > 0 {
		res.fail("critic reported %d blocker finding(s)", f.Blocker)
	}
	if p.MaxMajorFindings >= 0 && f.Major > p.MaxMajorFindings {
		res.fail("critic reported %d major findings (max %d)", f.Major, p.MaxMajorFindings)
	}

	guarded := p.Paths.guardedFiles(in.RunFiles)
	var tests, docs, changelogs int
	for _, file := range in.RunFiles {
		if isTestPath(file) {
			tests++
		}
		if p.Paths.IsDocEvidence(file) {
			docs++
		}
		if p.Paths.IsChangelogEvidence(file) {
			changelogs++
		}
	}
	res.Artifacts["guarded_files"] = strings.Join(guarded, ",")
	if len(guarded) == 0 {
		return res
	}
	if len(p.Paths.Guarded) > 0 && tests == 0 {
		res.fail("require_tests_for: source files changed without matching tests (patterns %s)",
			strings.Join(p.Paths.Guarded, ", "))
	}
	if p.RequireDocs && docs == 0 {
		res.fail("source changes require a documentation update")
	}
	if p.RequireChangelog && changelogs == 0 {
		res.fail("source changes require a changelog update")
	}
	return res
}

// HasBlockers reports whether a failed review result was caused by blockers.
func HasBlockers(r GateResult) bool {
	for _, reason := range r.Reasons {
		if strings.Contains(reason, "blocker finding") {
			return true
		}
	}
	return false
}

// DocumentationGate requires a documentation impact summary when source changed.
type DocumentationGate struct {
	paths PathPolicy
}

// NewDocumentationGate creates a documentation gate.
func NewDocumentationGate(p PathPolicy) *DocumentationGate { return &DocumentationGate{paths: p} }

func (g *DocumentationGate) Name() string { return "documentation-gate" }
func (g *DocumentationGate) Phase() Phase { return PhaseDocumentation }

func (g *DocumentationGate) Evaluate(in GateInput) GateResult {
	res := newResult(g)
	content := strings.TrimSpace(in.Output)
	if content == "" {
		res.fail("documentation %s", reasonEmptyOutput)
		return res
	}
	if len(g.paths.guardedFiles(in.RunFiles)) == 0 {
		return res
	}
	if !containsAny(strings.ToLower(content), "doc", "readme", "changelog") {
		res.fail("documentation output must summarize documentation impact")
	}
	return res
}

// DefaultGates builds one gate per phase from configuration.
func DefaultGates(cfg *config.Config, scanner *secrets.Scanner) []Gate {
	paths := PathPolicy{
		Guarded:           cfg.Guardrails.RequireTestsFor,
		DocsPatterns:      cfg.Workflow.ReviewDocsPatterns,
		ChangelogPatterns: cfg.Workflow.ReviewChangelogPatterns,
	}
	return []Gate{
		NewPlanningGate(),
		NewImplementationGate(cfg.Guardrails, scanner),
		NewTestingGate(cfg.Workflow.TestCoverageThreshold),
		NewReviewGate(ReviewPolicy{
			RequireCriticApproval: cfg.Workflow.RequireCriticApproval,
			MaxMajorFindings:      cfg.Workflow.ReviewMaxMajorFindings,
			RequireDocs:           cfg.Workflow.ReviewRequireDocsUpdate,
			RequireChangelog:      cfg.Workflow.ReviewRequireChangelogUpdate,
			Paths:                 paths,
		}),
		NewDocumentationGate(paths),
	}
}
