package vector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/history"
)

// triggerKeywords are short continuation phrases that carry no retrieval
// signal on their own; the query is rewritten to the last substantive user
// message instead.
var triggerKeywords = map[string]struct{}{
	"continue": {},
	"go on":    {},
	"resume":   {},
	"继续":       {},
	"繼續":       {},
}

const defaultTopK = 8

type cacheEntry struct {
	result string
	at     time.Time
}

// Service is the auto-context entry point shared by the vsearch tool and the
// implicit prompt-injection path.
type Service struct {
	cfg     config.VectorConfig
	client  *Client
	kv      *KV
	history *history.Store
	logger  *logger.Logger

	mu       sync.Mutex
	cache    map[string]cacheEntry
	limiters map[string]*rate.Limiter
}

// NewService wires the vector service for one process.
func NewService(cfg config.VectorConfig, kv *KV, hist *history.Store, log *logger.Logger) *Service {
	return &Service{
		cfg:      cfg,
		client:   NewClient(cfg),
		kv:       kv,
		history:  hist,
		logger:   log,
		cache:    make(map[string]cacheEntry),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether the service is configured.
func (s *Service) Enabled() bool { return s.cfg.Enabled && s.cfg.BaseURL != "" }

func (s *Service) minInterval() time.Duration {
	return time.Duration(s.cfg.MinIntervalMs) * time.Millisecond
}

// allow consults the per-workspace limiter. Outside the interval it admits
// the call; inside it the cached result is served instead.
func (s *Service) allow(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lim, ok := s.limiters[key]
	if !ok {
		interval := s.minInterval()
		if interval <= 0 {
			interval = time.Millisecond
		}
		lim = rate.NewLimiter(rate.Every(interval), 1)
		s.limiters[key] = lim
	}
	if lim.Allow() {
		return "", true
	}
	return s.cache[key].result, false
}

func (s *Service) remember(key, result string) {
	s.mu.Lock()
	s.cache[key] = cacheEntry{result: result, at: time.Now()}
	s.mu.Unlock()
}

// AutoContext derives a query from the user input and returns formatted
// snippets to inject, or "" when nothing applies. workspaceNS scopes the
// vector index; historyNS and sessionID locate the conversation used for
// trigger-keyword rewriting.
func (s *Service) AutoContext(ctx context.Context, workspaceNS, historyNS, sessionID, input string) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	query := strings.TrimSpace(input)
	if query == "" {
		return "", nil
	}
	if s.cfg.MaxQueryChars > 0 && len([]rune(query)) > s.cfg.MaxQueryChars {
		return "", nil
	}

	if _, ok := triggerKeywords[strings.ToLower(query)]; ok && s.history != nil {
		last, err := s.history.LastUserText(ctx, historyNS, sessionID)
		if err != nil {
			s.logger.WithError(err).Warn("vector query rewrite failed")
		} else if last != "" {
			query = last
		}
	}

	cached, admitted := s.allow(workspaceNS)
	if !admitted {
		return cached, nil
	}

	hits, err := s.client.Query(ctx, workspaceNS, query, defaultTopK)
	if err != nil {
		return "", err
	}
	if s.cfg.Rerank && len(hits) > 1 {
		if reranked, err := s.client.Rerank(ctx, query, hits); err != nil {
			s.logger.WithError(err).Warn("rerank failed, keeping query order")
		} else {
			hits = reranked
		}
	}
	hits = s.dropStale(ctx, workspaceNS, hits)

	result := formatHits(hits)
	s.remember(workspaceNS, result)
	return result, nil
}

// dropStale removes file-sourced hits whose indexed content hash no longer
// matches the hash last recorded for that file.
func (s *Service) dropStale(ctx context.Context, workspaceNS string, hits []Hit) []Hit {
	if s.kv == nil {
		return hits
	}
	out := hits[:0]
	for _, h := range hits {
		path, _ := h.Metadata["path"].(string)
		indexedHash, _ := h.Metadata["content_hash"].(string)
		if path != "" && indexedHash != "" {
			current, err := s.kv.Get(ctx, fileHashKey(workspaceNS, path))
			if err == nil && current != "" && current != indexedHash {
				continue
			}
		}
		out = append(out, h)
	}
	return out
}

func formatHits(hits []Hit) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant workspace context:\n")
	for _, h := range hits {
		source, _ := h.Metadata["path"].(string)
		if source == "" {
			source, _ = h.Metadata["source_type"].(string)
		}
		fmt.Fprintf(&b, "\n[%s]\n%s\n", source, strings.TrimSpace(h.Text))
	}
	return b.String()
}
