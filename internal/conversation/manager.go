// Package conversation keeps the bounded prompt context of every live call:
// a window of recent turns plus a rolling summary of everything older.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dealcoach/server/domain/entities"
)

const (
	DefaultRecentTurnsLimit   = 6
	DefaultSummarizeThreshold = 10
)

// Summarizer condenses older turns into a short narrative
type Summarizer interface {
	SummarizeHistory(ctx context.Context, turns []entities.TranscriptEntry) (string, error)
}

// Config holds the windowing constants
type Config struct {
	RecentTurnsLimit   int
	SummarizeThreshold int
}

// ValidateConfig validates the Config
func ValidateConfig(config Config) error {
	if config.RecentTurnsLimit < 0 {
		return fmt.Errorf("recent turns limit must be positive, got %d", config.RecentTurnsLimit)
	}
	if config.SummarizeThreshold < 0 {
		return fmt.Errorf("summarize threshold must be positive, got %d", config.SummarizeThreshold)
	}
	limit, threshold := config.RecentTurnsLimit, config.SummarizeThreshold
	if limit == 0 {
		limit = DefaultRecentTurnsLimit
	}
	if threshold == 0 {
		threshold = DefaultSummarizeThreshold
	}
	if threshold <= limit {
		return fmt.Errorf("summarize threshold (%d) must exceed recent turns limit (%d)", threshold, limit)
	}
	return nil
}

type session struct {
	context     entities.ConversationContext
	summarizing bool
}

// Manager owns the ConversationContext of every call session
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*session
	summarizer Summarizer
	limit      int
	threshold  int
	logger     *zap.Logger
}

// NewManager creates a context manager. Zero config values take the defaults.
func NewManager(summarizer Summarizer, config Config, logger *zap.Logger) (*Manager, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	limit := config.RecentTurnsLimit
	if limit == 0 {
		limit = DefaultRecentTurnsLimit
		logger.Info("Using default recent turns limit", zap.Int("recentTurnsLimit", limit))
	}

	threshold := config.SummarizeThreshold
	if threshold == 0 {
		threshold = DefaultSummarizeThreshold
		logger.Info("Using default summarize threshold", zap.Int("summarizeThreshold", threshold))
	}

	return &Manager{
		sessions:   make(map[string]*session),
		summarizer: summarizer,
		limit:      limit,
		threshold:  threshold,
		logger:     logger,
	}, nil
}

// RecentTurnsLimit is the size of the recent window once a summary exists
func (m *Manager) RecentTurnsLimit() int {
	return m.limit
}

// lookup returns the session state, creating it on first access.
// m.mu must be held.
func (m *Manager) lookup(sessionID string) *session {
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{context: entities.NewConversationContext()}
		m.sessions[sessionID] = s
	}
	return s
}

// Get returns a copy of the session's context, empty if none exists yet
func (m *Manager) Get(sessionID string) entities.ConversationContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(sessionID).context.Clone()
}

// Set replaces the session's context wholesale
func (m *Manager) Set(sessionID string, c entities.ConversationContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookup(sessionID).context = c.Clone()
}

// Clear drops the session's context. A summary still in flight for it is
// discarded when it completes.
func (m *Manager) Clear(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Append records a new turn and returns the updated context
func (m *Manager) Append(sessionID string, entry entities.TranscriptEntry) entities.ConversationContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.lookup(sessionID)
	c := &s.context
	c.RecentHistory = append(c.RecentHistory, entry)
	c.TotalTurns++
	if c.HasSummary() {
		c.RecentHistory = lastN(c.RecentHistory, m.limit)
	}
	return c.Clone()
}

// UpdateContext folds everything but the most recent turns of fullHistory
// into a new rolling summary. It does nothing below the summarize threshold,
// when the summarized portion would not grow, or while another summary for
// the same session is in flight. Turns appended while a summary is computed
// are folded in by summarizing again, so every turn stays in either the
// summary or the recent window. A failed or empty summary leaves the context
// untouched. It reports whether the context was replaced.
func (m *Manager) UpdateContext(ctx context.Context, sessionID string, fullHistory []entities.TranscriptEntry) bool {
	if len(fullHistory) < m.threshold {
		return false
	}

	cut := len(fullHistory) - m.limit

	m.mu.Lock()
	s := m.lookup(sessionID)
	if s.summarizing || cut <= s.context.SummarizedTurns {
		m.mu.Unlock()
		return false
	}
	s.summarizing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		s.summarizing = false
		m.mu.Unlock()
	}()

	history := fullHistory
	for {
		cut = len(history) - m.limit
		toSummarize := append([]entities.TranscriptEntry(nil), history[:cut]...)
		summary, err := m.summarizer.SummarizeHistory(ctx, toSummarize)
		if err != nil {
			m.logger.Warn("Failed to summarize conversation, keeping previous context",
				zap.String("sessionID", sessionID),
				zap.Int("turns", cut),
				zap.Error(err))
			return false
		}
		summary = strings.TrimSpace(summary)
		if summary == "" {
			m.logger.Warn("Empty conversation summary, keeping previous context",
				zap.String("sessionID", sessionID))
			return false
		}

		m.mu.Lock()
		if m.sessions[sessionID] != s {
			m.mu.Unlock()
			m.logger.Debug("Discarding summary for cleared session", zap.String("sessionID", sessionID))
			return false
		}

		// Turns appended meanwhile sit at the tail of the live window.
		current := s.context
		arrived := max(0, min(current.TotalTurns-len(history), len(current.RecentHistory)))
		if arrived > 0 {
			history = append(append([]entities.TranscriptEntry(nil), history...),
				current.RecentHistory[len(current.RecentHistory)-arrived:]...)
			m.mu.Unlock()
			m.logger.Debug("Turns arrived during summary, summarizing again",
				zap.String("sessionID", sessionID),
				zap.Int("arrived", arrived))
			continue
		}

		s.context = entities.ConversationContext{
			Summary:         &summary,
			RecentHistory:   lastN(history, m.limit),
			SummarizedTurns: cut,
			TotalTurns:      max(current.TotalTurns, len(history)),
		}
		m.mu.Unlock()

		m.logger.Info("Conversation context summarized",
			zap.String("sessionID", sessionID),
			zap.Int("summarizedTurns", cut),
			zap.Int("totalTurns", len(history)))
		return true
	}
}

func lastN(entries []entities.TranscriptEntry, n int) []entities.TranscriptEntry {
	if len(entries) <= n {
		return append(make([]entities.TranscriptEntry, 0, len(entries)), entries...)
	}
	return append(make([]entities.TranscriptEntry, 0, n), entries[len(entries)-n:]...)
}
