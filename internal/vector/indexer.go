package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// specDocs are the workspace documents the preflight indexer watches, beyond
// docs/adr/*.md.
var specDocs = []string{
	"docs/spec/design.md",
	"docs/spec/requirements.md",
	"docs/spec/implementation.md",
	"docs/spec/task.md",
}

// Preflight refreshes the index before a query round: changed spec docs are
// rechunked and upserted, and new history rows past each session's cursor
// are indexed. Failures on individual files are logged and skipped so one
// bad document never blocks a turn.
func (s *Service) Preflight(ctx context.Context, workspaceNS, root string) error {
	if !s.Enabled() {
		return nil
	}
	paths := append([]string(nil), specDocs...)
	if adrs, err := filepath.Glob(filepath.Join(root, "docs", "adr", "*.md")); err == nil {
		for _, p := range adrs {
			if rel, err := filepath.Rel(root, p); err == nil {
				paths = append(paths, rel)
			}
		}
	}

	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.indexFile(ctx, workspaceNS, root, rel); err != nil {
			s.logger.WithError(err).WithField("path", rel).Warn("file index skipped")
		}
	}
	return s.indexHistory(ctx, workspaceNS)
}

// indexFile chunks and upserts one document when its content hash changed
// since the last run.
func (s *Service) indexFile(ctx context.Context, workspaceNS, root, rel string) error {
	data, err := os.ReadFile(filepath.Join(root, rel))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	key := fileHashKey(workspaceNS, rel)
	if prev, err := s.kv.Get(ctx, key); err == nil && prev == hash {
		return nil
	}

	chunks := chunkText(string(data), s.cfg.MaxChars, s.cfg.OverlapChars)
	docs := make([]Document, 0, len(chunks))
	for i, text := range chunks {
		docs = append(docs, Document{
			ID:   chunkID(rel, i),
			Text: text,
			Metadata: map[string]any{
				"source_type":  "file",
				"path":         rel,
				"content_hash": hash,
				"chunk":        i,
			},
		})
	}
	if err := s.client.Upsert(ctx, workspaceNS, docs); err != nil {
		return err
	}
	return s.kv.Set(ctx, key, hash)
}

// indexHistory scans each known session for rows past its stored cursor and
// upserts them with conversational metadata.
func (s *Service) indexHistory(ctx context.Context, workspaceNS string) error {
	if s.history == nil {
		return nil
	}
	sessions, err := s.history.Sessions(ctx)
	if err != nil {
		return err
	}
	for _, pair := range sessions {
		ns, sid := pair[0], pair[1]
		key := historyCursorKey(workspaceNS, ns, sid)

		var lastID int64
		if raw, err := s.kv.Get(ctx, key); err == nil && raw != "" {
			lastID, _ = strconv.ParseInt(raw, 10, 64)
		}

		entries, err := s.history.After(ctx, ns, sid, lastID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			continue
		}

		var docs []Document
		for _, e := range entries {
			for i, text := range chunkText(e.Text, s.cfg.MaxChars, s.cfg.OverlapChars) {
				docs = append(docs, Document{
					ID:   chunkID(fmt.Sprintf("hist:%s:%s:%d", ns, sid, e.ID), i),
					Text: text,
					Metadata: map[string]any{
						"source_type": "history",
						"namespace":   ns,
						"session_id":  sid,
						"row_id":      e.ID,
						"role":        string(e.Role),
						"ts":          e.Ts,
						"snippet":     snippet(e.Text),
					},
				})
			}
			lastID = e.ID
		}
		if err := s.client.Upsert(ctx, workspaceNS, docs); err != nil {
			return err
		}
		if err := s.kv.Set(ctx, key, strconv.FormatInt(lastID, 10)); err != nil {
			return err
		}
	}
	return nil
}

func snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= 120 {
		return text
	}
	return string(runes[:120]) + "…"
}
