package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitRunner executes a git subcommand rooted at dir. It exists so lifecycle
// operations can be exercised in tests without a real repository.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// execGitRunner shells out to the system git binary.
type execGitRunner struct{}

func (execGitRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return string(out), nil
}

// NewGitRunner returns the default, real git-backed runner.
func NewGitRunner() GitRunner { return execGitRunner{} }

// Lane is one materialized isolation unit: a branch and, for worktree mode,
// a checked-out directory separate from the repo root.
type Lane struct {
	Label    string
	Ordinal  int
	Mode     Mode
	Branch   string
	Path     string
	BaseHead string
}

// Manager creates and tears down lanes for a single run, rooted at a VCS
// repository.
type Manager struct {
	Runner   GitRunner
	RepoRoot string
	RunID    string
	BaseDir  string // override for the worktree base directory; defaults under RepoRoot/.pi/worktrees
}

// NewManager constructs a Manager. baseDir may be empty to use the default
// layout under RepoRoot/.pi/worktrees.
func NewManager(runner GitRunner, repoRoot, runID, baseDir string) *Manager {
	if runner == nil {
		runner = NewGitRunner()
	}
	return &Manager{Runner: runner, RepoRoot: repoRoot, RunID: runID, BaseDir: baseDir}
}

// IsRepo reports whether RepoRoot is inside a VCS working tree.
func (m *Manager) IsRepo(ctx context.Context) bool {
	out, err := m.Runner.Run(ctx, m.RepoRoot, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

// sanitizeLabel lowercases and keeps only [a-z0-9._-], collapsing runs of
// separators, matching the lane/branch naming scheme.
func sanitizeLabel(label string) string {
	lower := strings.ToLower(label)
	var b strings.Builder
	lastSep := false
	for _, r := range lower {
		isAllowed := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-'
		if isAllowed {
			b.WriteRune(r)
			lastSep = false
			continue
		}
		if !lastSep {
			b.WriteRune('-')
			lastSep = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "lane"
	}
	return out
}

func (m *Manager) worktreeBase() string {
	if m.BaseDir != "" {
		return m.BaseDir
	}
	return filepath.Join(m.RepoRoot, ".pi", "worktrees")
}

// CreateLane branches off current HEAD and, for worktree mode, materializes
// a checkout at the standard layout path. Shared-mode lanes skip the
// worktree add step and point directly at the repo root.
func (m *Manager) CreateLane(ctx context.Context, mode Mode, label string, ordinal int) (*Lane, error) {
	sanitized := sanitizeLabel(label)
	branch := fmt.Sprintf("pi/subagent/%s/%s-%d", m.RunID, sanitized, ordinal)

	head, err := m.Runner.Run(ctx, m.RepoRoot, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD for lane %s-%d: %w", sanitized, ordinal, err)
	}
	baseHead := strings.TrimSpace(head)

	lane := &Lane{Label: sanitized, Ordinal: ordinal, Mode: mode, Branch: branch, BaseHead: baseHead}

	if mode == ModeShared {
		lane.Path = m.RepoRoot
		return lane, nil
	}

	path := filepath.Join(m.worktreeBase(), fmt.Sprintf("%s-%s-%d", m.RunID, sanitized, ordinal))
	if _, err := m.Runner.Run(ctx, m.RepoRoot, "worktree", "add", "-b", branch, path, baseHead); err != nil {
		return nil, fmt.Errorf("create worktree for lane %s-%d: %w", sanitized, ordinal, err)
	}
	lane.Path = path
	return lane, nil
}

// LaneCwd maps a requested working directory into the lane's checkout,
// preserving the relative path from the repo root. A cwd outside the repo
// root yields the lane root plus a warning.
func (m *Manager) LaneCwd(lane *Lane, requestedCwd string) (cwd string, warning string) {
	if requestedCwd == "" {
		return lane.Path, ""
	}
	rel, err := filepath.Rel(m.RepoRoot, requestedCwd)
	if err != nil || strings.HasPrefix(rel, "..") {
		return lane.Path, fmt.Sprintf("requested cwd %q is outside the repository; using lane root", requestedCwd)
	}
	return filepath.Join(lane.Path, rel), ""
}

// IntegrationReport summarizes a single lane's integration outcome.
type IntegrationReport struct {
	Lane    string
	Applied bool
	Skipped bool
	Failed  bool
	Files   int
	Err     error
}

// Integrate captures the lane's diff against its base head and three-way
// applies it onto the repo root. A lane with no changes reports Skipped.
func (m *Manager) Integrate(ctx context.Context, lane *Lane) IntegrationReport {
	report := IntegrationReport{Lane: fmt.Sprintf("%s-%d", lane.Label, lane.Ordinal)}

	if lane.Mode == ModeShared {
		report.Applied = true
		return report
	}

	diff, err := m.Runner.Run(ctx, lane.Path, "diff", "--binary", lane.BaseHead)
	if err != nil {
		report.Failed = true
		report.Err = fmt.Errorf("capture diff: %w", err)
		return report
	}
	if strings.TrimSpace(diff) == "" {
		report.Skipped = true
		return report
	}

	stat, _ := m.Runner.Run(ctx, lane.Path, "diff", "--stat", lane.BaseHead)
	report.Files = countChangedFiles(stat)

	tmp, err := os.CreateTemp("", "pi-worktree-*.patch")
	if err != nil {
		report.Failed = true
		report.Err = fmt.Errorf("create patch file: %w", err)
		return report
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(diff); err != nil {
		tmp.Close()
		report.Failed = true
		report.Err = fmt.Errorf("write patch file: %w", err)
		return report
	}
	tmp.Close()

	if _, err := m.Runner.Run(ctx, m.RepoRoot, "apply", "--3way", "--whitespace=nowarn", tmp.Name()); err != nil {
		report.Failed = true
		report.Err = fmt.Errorf("three-way apply: %w", err)
		return report
	}

	report.Applied = true
	return report
}

func countChangedFiles(stat string) int {
	lines := strings.Split(strings.TrimSpace(stat), "\n")
	count := 0
	for _, line := range lines {
		if strings.Contains(line, "|") {
			count++
		}
	}
	return count
}

// Cleanup removes a lane's worktree (and branch, if unused) unconditionally.
// Failures are returned as warning strings, never errors — cleanup must
// never fail the overall call.
func (m *Manager) Cleanup(ctx context.Context, lane *Lane) []string {
	var warnings []string
	if lane.Mode == ModeShared {
		return warnings
	}

	if _, err := m.Runner.Run(ctx, m.RepoRoot, "worktree", "remove", "--force", lane.Path); err != nil {
		warnings = append(warnings, fmt.Sprintf("worktree remove failed for %s: %v", lane.Path, err))
		if rmErr := os.RemoveAll(lane.Path); rmErr != nil {
			warnings = append(warnings, fmt.Sprintf("fallback filesystem removal failed for %s: %v", lane.Path, rmErr))
		}
	}

	head, err := m.Runner.Run(ctx, m.RepoRoot, "rev-parse", lane.Branch)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("could not resolve branch %s for cleanup: %v", lane.Branch, err))
		return warnings
	}
	if strings.TrimSpace(head) == lane.BaseHead {
		if _, err := m.Runner.Run(ctx, m.RepoRoot, "branch", "-D", lane.Branch); err != nil {
			warnings = append(warnings, fmt.Sprintf("branch delete failed for %s: %v", lane.Branch, err))
		}
	}

	return warnings
}
