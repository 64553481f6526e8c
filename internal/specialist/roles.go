package specialist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Role names a specialist persona.
type Role string

const (
	RoleSupervisor Role = "supervisor"
	RolePlanner    Role = "planner"
	RoleCoder      Role = "coder"
	RoleTester     Role = "tester"
	RoleCritic     Role = "critic"
	RoleDocumenter Role = "documenter"
)

var defaultPrompts = map[Role]string{
	RoleSupervisor: "You are the Supervisor of a multi-agent software development team. " +
		"Decompose goals into tasks, coordinate specialists, and enforce quality gates. " +
		"You do not write production code directly.",
	RolePlanner: "You are the Planner/Architect specialist. Analyze requirements, define interfaces, " +
		"propose implementation steps, and provide risks with alternatives. You produce plans, not code.",
	RoleCoder: "You are the Coder/Engineer specialist. Implement exactly what was planned. " +
		"Match repository conventions and keep commits atomic.",
	RoleTester: "You are the Tester/QA specialist. Design and run tests for happy path, edge cases, " +
		"and failures. Report clear pass/fail outcomes.",
	RoleCritic: "You are the Critic/Code Reviewer specialist. Find correctness, maintainability, " +
		"and security issues. Classify findings as BLOCKER, MAJOR, MINOR, or SUGGESTION.",
	RoleDocumenter: "You are the Documenter/Technical Writer specialist. Maintain concise and accurate " +
		"technical documentation and changelog quality.",
}

// Prompts resolves system prompts per role. Files named <role>.md in the
// override directory replace the built-in text.
type Prompts struct {
	overrides map[Role]string
}

// LoadPrompts reads overrides from dir. A missing dir yields the defaults.
func LoadPrompts(dir string) (*Prompts, error) {
	p := &Prompts{overrides: map[Role]string{}}
	if dir == "" {
		return p, nil
	}
	for role := range defaultPrompts {
		data, err := os.ReadFile(filepath.Join(dir, string(role)+".md"))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s prompt: %w", role, err)
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			p.overrides[role] = text
		}
	}
	return p, nil
}

// System returns the system prompt for role.
func (p *Prompts) System(role Role) string {
	if p != nil {
		if s, ok := p.overrides[role]; ok {
			return s
		}
	}
	return defaultPrompts[role]
}
