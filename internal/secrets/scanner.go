package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

var (
	// ErrSecretDetected is returned when scanned files contain credentials.
	ErrSecretDetected = errors.New("secret detected")
	// ErrInvalidAllowlist reports an unreadable .gitleaks.toml.
	ErrInvalidAllowlist = errors.New("invalid allowlist")
)

// Finding is one detected secret.
type Finding struct {
	RuleID string
	Path   string
	Line   int
	Secret string
}

// Allowlist holds regex exceptions loaded from .gitleaks.toml.
type Allowlist struct {
	Paths   []string `toml:"paths"`
	Regexes []string `toml:"regexes"`
}

// Scanner wraps a gitleaks detector. The detector is built once and reused.
type Scanner struct {
	mu       sync.Mutex
	detector *detect.Detector
	allow    Allowlist
}

// NewScanner builds a scanner with the default gitleaks rules plus the
// allowlist found in root/.gitleaks.toml, if any.
func NewScanner(root string) (*Scanner, error) {
	allow, err := LoadAllowlist(root)
	if err != nil {
		return nil, err
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("building gitleaks detector: %w", err)
	}
	if err := applyAllowlist(&detector.Config, allow); err != nil {
		return nil, err
	}
	return &Scanner{detector: detector, allow: allow}, nil
}

// LoadAllowlist reads root/.gitleaks.toml. A missing file is an empty list.
func LoadAllowlist(root string) (Allowlist, error) {
	var file struct {
		Allowlist Allowlist `toml:"allowlist"`
	}
	if root == "" {
		return Allowlist{}, nil
	}
	path := filepath.Join(root, ".gitleaks.toml")
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Allowlist{}, nil
		}
		return Allowlist{}, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}
	return file.Allowlist, nil
}

func applyAllowlist(cfg *gitleaksconfig.Config, allow Allowlist) error {
	if len(allow.Paths) == 0 && len(allow.Regexes) == 0 {
		return nil
	}
	entry := &gitleaksconfig.Allowlist{Description: "architect project allowlist"}
	for _, p := range allow.Paths {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: path pattern %q: %v", ErrInvalidAllowlist, p, err)
		}
		entry.Paths = append(entry.Paths, (*gitleaksregexp.Regexp)(re))
	}
	for _, p := range allow.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: content pattern %q: %v", ErrInvalidAllowlist, p, err)
		}
		entry.Regexes = append(entry.Regexes, (*gitleaksregexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, entry)
	return nil
}

// Scan returns the secrets in content.
func (s *Scanner) Scan(content string) []Finding {
	s.mu.Lock()
	found := s.detector.DetectString(content)
	s.mu.Unlock()

	out := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		out = append(out, Finding{RuleID: f.RuleID, Line: f.StartLine, Secret: f.Secret})
	}
	return out
}

// Redact replaces every detected secret with [REDACTED:<rule>].
func (s *Scanner) Redact(content string) (string, []Finding) {
	findings := s.Scan(content)
	if len(findings) == 0 {
		return content, nil
	}
	// Longest first so a secret that contains another is replaced whole.
	ordered := append([]Finding(nil), findings...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Secret) > len(ordered[j].Secret)
	})
	for _, f := range ordered {
		content = strings.ReplaceAll(content, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	return content, findings
}

// ScanFiles scans paths relative to root. Allowlisted and missing paths are
// skipped. The error wraps ErrSecretDetected when anything is found.
func (s *Scanner) ScanFiles(root string, paths []string) ([]Finding, error) {
	var all []Finding
	for _, rel := range paths {
		if s.pathAllowed(rel) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, rel))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", rel, err)
		}
		for _, f := range s.Scan(string(data)) {
			f.Path = rel
			all = append(all, f)
		}
	}
	if len(all) > 0 {
		return all, fmt.Errorf("%w: %d finding(s), first %s in %s", ErrSecretDetected, len(all), all[0].RuleID, all[0].Path)
	}
	return nil, nil
}

func (s *Scanner) pathAllowed(rel string) bool {
	for _, p := range s.allow.Paths {
		if re, err := regexp.Compile(p); err == nil && re.MatchString(rel) {
			return true
		}
	}
	return false
}
