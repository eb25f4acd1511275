package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentdev/ads/internal/common/errkind"
)

// readTool reads one or more files under the allowed directories. Payload is
// a path string, a {path,...} object, or an array of such objects.
type readTool struct{}

func (t *readTool) Name() string   { return "read" }
func (t *readTool) Parallel() bool { return true }

type readRequest struct {
	Path      string `json:"path"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	MaxBytes  int    `json:"maxBytes"`
}

func (t *readTool) Execute(ctx context.Context, payload string, tc *Context) (string, error) {
	reqs, err := parseReadPayload(payload)
	if err != nil {
		return "", err
	}

	var out []string
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		content, err := readOne(req, tc)
		if err != nil {
			return "", err
		}
		out = append(out, content)
	}
	return strings.Join(out, "\n\n"), nil
}

func parseReadPayload(payload string) ([]readRequest, error) {
	trimmed := strings.TrimSpace(payload)
	switch {
	case strings.HasPrefix(trimmed, "["):
		var reqs []readRequest
		if err := json.Unmarshal([]byte(trimmed), &reqs); err != nil {
			return nil, errkind.Input("invalid read payload: %v", err)
		}
		return reqs, nil
	case strings.HasPrefix(trimmed, "{"):
		var req readRequest
		if err := json.Unmarshal([]byte(trimmed), &req); err != nil {
			return nil, errkind.Input("invalid read payload: %v", err)
		}
		return []readRequest{req}, nil
	case trimmed == "":
		return nil, errkind.Input("empty read payload")
	default:
		return []readRequest{{Path: trimmed}}, nil
	}
}

func readOne(req readRequest, tc *Context) (string, error) {
	abs, err := resolvePath(tc.Cwd, req.Path, tc.AllowedDirs())
	if err != nil {
		return "", err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", errkind.Input("cannot read %s: %v", req.Path, err)
	}
	if !info.Mode().IsRegular() {
		return "", errkind.Input("not a file: %s", req.Path)
	}

	maxBytes := req.MaxBytes
	if maxBytes <= 0 {
		maxBytes = tc.Tools.MaxReadBytes
	}

	f, err := os.Open(abs)
	if err != nil {
		return "", errkind.Input("cannot read %s: %v", req.Path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(maxBytes)+1))
	if err != nil {
		return "", errkind.Input("cannot read %s: %v", req.Path, err)
	}

	truncated := false
	if len(data) > maxBytes {
		data = data[:maxBytes]
		truncated = true
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return "", errkind.Input("binary file: %s", req.Path)
	}

	text := string(data)
	if req.StartLine > 0 || req.EndLine > 0 {
		text = extractLines(text, req.StartLine, req.EndLine)
	}

	header := fmt.Sprintf("── %s", req.Path)
	if truncated {
		header += " (truncated)"
	}
	return header + "\n" + text, nil
}

// extractLines returns the 1-based inclusive line range [start, end].
func extractLines(text string, start, end int) string {
	lines := strings.Split(text, "\n")
	if start < 1 {
		start = 1
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) || start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}

// writeTool writes or appends UTF-8 content. Payload:
// {"path": ..., "content": ..., "append": bool}.
type writeTool struct{}

func (t *writeTool) Name() string   { return "write" }
func (t *writeTool) Parallel() bool { return false }

type writeRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Append  bool   `json:"append"`
}

func (t *writeTool) Execute(ctx context.Context, payload string, tc *Context) (string, error) {
	var req writeRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return "", errkind.Input("invalid write payload: %v", err)
	}
	if req.Path == "" {
		return "", errkind.Input("empty path")
	}
	if len(req.Content) > tc.Tools.MaxWriteBytes {
		return "", errkind.Input("content exceeds %d bytes", tc.Tools.MaxWriteBytes)
	}

	abs, err := resolvePath(tc.Cwd, req.Path, tc.AllowedDirs())
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", errkind.Input("cannot create parent directory: %v", err)
	}

	if req.Append {
		f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return "", errkind.Input("cannot open %s: %v", req.Path, err)
		}
		defer f.Close()
		if _, err := f.WriteString(req.Content); err != nil {
			return "", fmt.Errorf("append %s: %w", req.Path, err)
		}
		return fmt.Sprintf("appended %d bytes to %s", len(req.Content), req.Path), nil
	}

	if err := os.WriteFile(abs, []byte(req.Content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", req.Path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(req.Content), req.Path), nil
}
