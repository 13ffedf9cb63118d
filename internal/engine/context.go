package engine

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"

	"companion-engine/internal/contextstore"
	"companion-engine/internal/domain"
)

const (
	summaryHeader    = "[Previous context summary]\n"
	recentHeader     = "[Recent conversation]\n"
	truncationMarker = "...[truncated]\n"
)

// BuildContext assembles the bounded prompt for a conversation: the cached
// summary if one exists, then the recent messages oldest first, truncated
// from the front to the token budget. The result is written back to the
// context store as the raw snapshot; that write-back is a deliberate side
// effect of this otherwise read-like call, keeping the cache warm for the
// next turn.
func (s *Service) BuildContext(ctx context.Context, conversationID string, recent []domain.Message) string {
	var b strings.Builder

	if summary, ok := s.cachedSummary(ctx, conversationID); ok {
		b.WriteString(summaryHeader)
		b.WriteString(summary)
		b.WriteString("\n\n")
	}

	b.WriteString(recentHeader)
	for _, m := range recent {
		b.WriteString(rolePrefix(m.Role))
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}

	out := b.String()
	if estimateTokenCount(out) > s.maxContextTokens {
		out = truncateFront(out, s.maxContextTokens)
	}

	s.cacheSnapshot(ctx, conversationID, out)
	return out
}

func rolePrefix(role domain.MessageRole) string {
	if role == domain.RoleUser {
		return "User: "
	}
	return "Assistant: "
}

// estimateTokenCount is the character heuristic: roughly four characters per
// token.
func estimateTokenCount(text string) int {
	return len(text) / 4
}

// truncateFront drops the oldest content so the estimate fits maxTokens,
// realigning the cut to the next line boundary so no message is split. The
// marker's own length is counted against the budget, keeping the estimate of
// the result within maxTokens. A budget too small to hold anything beyond
// the marker collapses to the marker alone.
func truncateFront(text string, maxTokens int) string {
	budget := maxTokens*4 - len(truncationMarker)
	if budget <= 0 {
		return truncationMarker
	}
	if len(text) <= budget {
		return text
	}
	start := len(text) - budget
	if i := strings.IndexByte(text[start:], '\n'); i >= 0 && start+i+1 < len(text) {
		return truncationMarker + text[start+i+1:]
	}
	return truncationMarker + text[start:]
}

// cachedSummary reads the rolling summary under the cache timeout. Any cache
// failure is logged and treated as a miss.
func (s *Service) cachedSummary(ctx context.Context, conversationID string) (string, bool) {
	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	summary, err := s.cache.Summary(cctx, conversationID)
	if err != nil {
		if !errors.Is(err, contextstore.ErrNotCached) {
			log.WithField("conversation", conversationID).WithError(err).
				Warn("context cache summary read failed, treating as empty")
		}
		return "", false
	}
	return summary, true
}

func (s *Service) cacheSnapshot(ctx context.Context, conversationID, snapshot string) {
	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := s.cache.SetSnapshot(cctx, conversationID, snapshot); err != nil {
		log.WithField("conversation", conversationID).WithError(err).
			Warn("context cache snapshot write failed")
	}
}

// SetSummary caches a new rolling summary for the conversation. Cache
// failures are swallowed: the cache is advisory and a lost summary only
// costs a recomputation.
func (s *Service) SetSummary(ctx context.Context, conversationID, summary string) {
	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := s.cache.SetSummary(cctx, conversationID, summary); err != nil {
		log.WithField("conversation", conversationID).WithError(err).
			Warn("context cache summary write failed")
	}
}

// Memory reads a named cross-turn memory slot; ok is false when the slot is
// absent, expired, or the cache is unavailable.
func (s *Service) Memory(ctx context.Context, conversationID, key string) (string, bool) {
	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	v, err := s.cache.Memory(cctx, conversationID, key)
	if err != nil {
		if !errors.Is(err, contextstore.ErrNotCached) {
			log.WithField("conversation", conversationID).WithError(err).
				Warn("context cache memory read failed, treating as empty")
		}
		return "", false
	}
	return v, true
}

// SetMemory writes a named cross-turn memory slot, swallowing cache
// failures like SetSummary.
func (s *Service) SetMemory(ctx context.Context, conversationID, key, value string) {
	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := s.cache.SetMemory(cctx, conversationID, key, value); err != nil {
		log.WithField("conversation", conversationID).WithError(err).
			Warn("context cache memory write failed")
	}
}
