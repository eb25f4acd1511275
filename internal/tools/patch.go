package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/agentdev/ads/internal/common/errkind"
)

// applyPatchTool applies a unified diff with git apply. Paths named by the
// diff are validated against the allowlist before git runs.
type applyPatchTool struct{}

func (t *applyPatchTool) Name() string   { return "apply_patch" }
func (t *applyPatchTool) Parallel() bool { return false }

func (t *applyPatchTool) Execute(ctx context.Context, payload string, tc *Context) (string, error) {
	diff := strings.TrimSpace(payload)
	if diff == "" {
		return "", errkind.Input("empty patch")
	}
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}

	repoRoot, err := findRepoRoot(tc.Cwd)
	if err != nil {
		return "", err
	}

	// git apply runs in the repo root; patches written against the cwd get
	// their paths prefixed back with --directory.
	dirPrefix := ""
	if repoRoot != tc.Cwd {
		rel, err := filepath.Rel(repoRoot, tc.Cwd)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", errkind.Input("workspace is outside its git repository")
		}
		dirPrefix = rel
	}

	paths := diffPaths(diff)
	if len(paths) == 0 {
		return "", errkind.Input("patch names no files")
	}
	for _, p := range paths {
		target := p
		if dirPrefix != "" {
			target = filepath.Join(dirPrefix, p)
		}
		if _, err := resolvePath(repoRoot, target, tc.AllowedDirs()); err != nil {
			return "", err
		}
	}

	args := []string{"apply", "--whitespace=nowarn"}
	if dirPrefix != "" {
		args = append(args, "--directory="+dirPrefix)
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoRoot
	cmd.Stdin = strings.NewReader(diff)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errkind.Tool("git apply failed: %s", strings.TrimSpace(string(out)))
	}

	return fmt.Sprintf("applied patch to %s", strings.Join(paths, ", ")), nil
}

// findRepoRoot walks up from dir looking for a .git entry.
func findRepoRoot(dir string) (string, error) {
	current := filepath.Clean(dir)
	for {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", errkind.Input("no git repository found above %s", dir)
		}
		current = parent
	}
}

// diffPaths extracts the file paths a unified diff touches, in order, deduped.
func diffPaths(diff string) []string {
	seen := make(map[string]bool)
	var paths []string
	sc := bufio.NewScanner(strings.NewReader(diff))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		var p string
		switch {
		case strings.HasPrefix(line, "+++ "):
			p = strings.TrimPrefix(line, "+++ ")
		case strings.HasPrefix(line, "--- "):
			p = strings.TrimPrefix(line, "--- ")
		default:
			continue
		}
		p = strings.TrimSuffix(p, "\t")
		if p == "/dev/null" {
			continue
		}
		p = strings.TrimPrefix(p, "a/")
		p = strings.TrimPrefix(p, "b/")
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths
}
