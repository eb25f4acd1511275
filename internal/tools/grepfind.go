package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentdev/ads/internal/common/errkind"
)

const (
	grepMaxFileBytes   = 2 << 20
	defaultGrepResults = 200
	defaultFindResults = 500
)

// skipDirs are directory names pruned by the in-process walkers.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"dist":         true,
	"build":        true,
	"coverage":     true,
	".ads":         true,
}

// grepTool searches file contents. It shells out to rg when available and
// falls back to an in-process walker otherwise.
type grepTool struct{}

func (t *grepTool) Name() string   { return "grep" }
func (t *grepTool) Parallel() bool { return true }

type grepPayload struct {
	Pattern    string `json:"pattern"`
	Path       string `json:"path"`
	Glob       string `json:"glob"`
	IgnoreCase bool   `json:"ignoreCase"`
	MaxResults int    `json:"maxResults"`
}

func (t *grepTool) Execute(ctx context.Context, payload string, tc *Context) (string, error) {
	var p grepPayload
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
			return "", errkind.Input("invalid grep payload: %v", err)
		}
	} else {
		p.Pattern = trimmed
	}
	if p.Pattern == "" {
		return "", errkind.Input("empty grep pattern")
	}
	if p.MaxResults <= 0 {
		p.MaxResults = defaultGrepResults
	}

	root := tc.Cwd
	if p.Path != "" {
		abs, err := resolvePath(tc.Cwd, p.Path, tc.AllowedDirs())
		if err != nil {
			return "", err
		}
		root = abs
	}

	if rg, err := exec.LookPath("rg"); err == nil {
		return grepWithRipgrep(ctx, rg, root, &p)
	}
	return grepInProcess(ctx, root, &p)
}

func grepWithRipgrep(ctx context.Context, rg, root string, p *grepPayload) (string, error) {
	args := []string{"--line-number", "--no-heading", "--max-count", strconv.Itoa(p.MaxResults)}
	if p.IgnoreCase {
		args = append(args, "--ignore-case")
	}
	if p.Glob != "" {
		args = append(args, "--glob", p.Glob)
	}
	args = append(args, "--", p.Pattern, root)

	cmd := exec.CommandContext(ctx, rg, args...)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Exit code 1 means no matches.
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return "(no matches)", nil
		}
		return "", errkind.Tool("rg failed: %v", err)
	}
	return capLines(string(out), p.MaxResults), nil
}

func grepInProcess(ctx context.Context, root string, p *grepPayload) (string, error) {
	pattern := p.Pattern
	if p.IgnoreCase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", errkind.Input("invalid grep pattern: %v", err)
	}

	var matches []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= p.MaxResults {
			return filepath.SkipAll
		}
		if p.Glob != "" {
			if ok, _ := filepath.Match(p.Glob, d.Name()); !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil || info.Size() > grepMaxFileBytes {
			return nil
		}
		grepFile(path, root, re, p.MaxResults, &matches)
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}

	if len(matches) == 0 {
		return "(no matches)", nil
	}
	return strings.Join(matches, "\n"), nil
}

func grepFile(path, root string, re *regexp.Regexp, limit int, matches *[]string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	head := make([]byte, 512)
	n, _ := f.Read(head)
	if bytes.IndexByte(head[:n], 0) >= 0 {
		return
	}
	if _, err := f.Seek(0, 0); err != nil {
		return
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), grepMaxFileBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if re.MatchString(sc.Text()) {
			*matches = append(*matches, fmt.Sprintf("%s:%d:%s", rel, lineNo, sc.Text()))
			if len(*matches) >= limit {
				return
			}
		}
	}
}

// findTool locates files by name pattern. It prefers fd, then find, then an
// in-process glob walker.
type findTool struct{}

func (t *findTool) Name() string   { return "find" }
func (t *findTool) Parallel() bool { return true }

type findPayload struct {
	Pattern    string `json:"pattern"`
	Path       string `json:"path"`
	MaxResults int    `json:"maxResults"`
}

func (t *findTool) Execute(ctx context.Context, payload string, tc *Context) (string, error) {
	var p findPayload
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
			return "", errkind.Input("invalid find payload: %v", err)
		}
	} else {
		p.Pattern = trimmed
	}
	if p.Pattern == "" {
		return "", errkind.Input("empty find pattern")
	}
	if p.MaxResults <= 0 {
		p.MaxResults = defaultFindResults
	}

	root := tc.Cwd
	if p.Path != "" {
		abs, err := resolvePath(tc.Cwd, p.Path, tc.AllowedDirs())
		if err != nil {
			return "", err
		}
		root = abs
	}

	if fd, err := exec.LookPath("fd"); err == nil {
		out, err := runFinder(ctx, fd, []string{"--glob", "--max-results", strconv.Itoa(p.MaxResults), "--", p.Pattern, root})
		if err == nil {
			return out, nil
		}
	}
	if fnd, err := exec.LookPath("find"); err == nil {
		out, err := runFinder(ctx, fnd, []string{root, "-name", p.Pattern, "-not", "-path", "*/.git/*", "-not", "-path", "*/node_modules/*"})
		if err == nil {
			return capLines(out, p.MaxResults), nil
		}
	}
	return findInProcess(ctx, root, p.Pattern, p.MaxResults)
}

func runFinder(ctx context.Context, bin string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	s := strings.TrimSpace(string(out))
	if s == "" {
		return "(no matches)", nil
	}
	return s, nil
}

func findInProcess(ctx context.Context, root, pattern string, limit int) (string, error) {
	var matches []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				rel = path
			}
			matches = append(matches, rel)
			if len(matches) >= limit {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}
	if len(matches) == 0 {
		return "(no matches)", nil
	}
	return strings.Join(matches, "\n"), nil
}

func capLines(s string, limit int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > limit {
		extra := len(lines) - limit
		lines = append(lines[:limit], fmt.Sprintf("… (%d more)", extra))
	}
	return strings.Join(lines, "\n")
}
