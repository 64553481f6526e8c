// Package secrets detects and redacts credentials using the gitleaks rule set.
//
// Specialist output is redacted before it is recorded, and patches whose
// files contain secrets are refused when guardrails.secret_scan is on.
// Project-level exceptions live in .gitleaks.toml under [allowlist].
package secrets
