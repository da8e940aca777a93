package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dealcoach/server/domain/entities"
)

type fakeSummarizer struct {
	mu      sync.Mutex
	calls   [][]entities.TranscriptEntry
	result  string
	err     error
	release chan struct{}
	started chan struct{}
}

func (f *fakeSummarizer) SummarizeHistory(ctx context.Context, turns []entities.TranscriptEntry) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, turns)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return f.result, f.err
}

func (f *fakeSummarizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func history(n int) []entities.TranscriptEntry {
	out := make([]entities.TranscriptEntry, n)
	for i := range out {
		speaker := entities.SpeakerSeller
		if i%2 == 1 {
			speaker = entities.SpeakerUser
		}
		out[i] = entities.NewTranscriptEntry(speaker, fmt.Sprintf("turn %d", i), time.UnixMilli(int64(i)))
	}
	return out
}

func newTestManager(t *testing.T, s Summarizer) *Manager {
	m, err := NewManager(s, Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return m
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"defaults", Config{}, false},
		{"custom", Config{RecentTurnsLimit: 4, SummarizeThreshold: 8}, false},
		{"negative limit", Config{RecentTurnsLimit: -1}, true},
		{"threshold equals limit", Config{RecentTurnsLimit: 6, SummarizeThreshold: 6}, true},
		{"threshold below default limit", Config{SummarizeThreshold: 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManager_GetReturnsEmptyContext(t *testing.T) {
	m := newTestManager(t, &fakeSummarizer{})

	c := m.Get("unknown")
	assert.False(t, c.HasSummary())
	assert.NotNil(t, c.RecentHistory)
	assert.Empty(t, c.RecentHistory)
}

func TestManager_SetAndClear(t *testing.T) {
	m := newTestManager(t, &fakeSummarizer{})

	summary := "seller is relocating"
	m.Set("s1", entities.ConversationContext{Summary: &summary, RecentHistory: history(2)})

	got := m.Get("s1")
	require.True(t, got.HasSummary())
	assert.Equal(t, summary, got.SummaryText())
	assert.Len(t, got.RecentHistory, 2)

	got.RecentHistory[0].Text = "mutated"
	assert.Equal(t, "turn 0", m.Get("s1").RecentHistory[0].Text, "Get returns a copy")

	m.Clear("s1")
	assert.False(t, m.Get("s1").HasSummary())
}

func TestManager_AppendKeepsWholeCallUntilSummarized(t *testing.T) {
	m := newTestManager(t, &fakeSummarizer{})

	for _, e := range history(12) {
		m.Append("s1", e)
	}
	c := m.Get("s1")
	assert.Len(t, c.RecentHistory, 12)
	assert.Equal(t, 12, c.TotalTurns)
}

func TestManager_UpdateContextBelowThresholdIsNoop(t *testing.T) {
	s := &fakeSummarizer{result: "summary"}
	m := newTestManager(t, s)

	assert.False(t, m.UpdateContext(context.Background(), "s1", history(9)))
	assert.Equal(t, 0, s.callCount())
}

func TestManager_UpdateContextAtThreshold(t *testing.T) {
	s := &fakeSummarizer{result: "  Seller inherited the house.  "}
	m := newTestManager(t, s)

	full := history(10)
	for _, e := range full {
		m.Append("s1", e)
	}

	require.True(t, m.UpdateContext(context.Background(), "s1", full))
	require.Equal(t, 1, s.callCount())
	assert.Equal(t, full[:4], s.calls[0])

	c := m.Get("s1")
	assert.Equal(t, "Seller inherited the house.", c.SummaryText())
	assert.Equal(t, full[4:], c.RecentHistory)
	assert.Len(t, c.RecentHistory, DefaultRecentTurnsLimit)
	assert.Equal(t, 4, c.SummarizedTurns)
	assert.Equal(t, 10, c.TotalTurns)
}

func TestManager_UpdateContextSkipsWhenPortionDoesNotGrow(t *testing.T) {
	s := &fakeSummarizer{result: "summary"}
	m := newTestManager(t, s)

	full := history(10)
	require.True(t, m.UpdateContext(context.Background(), "s1", full))
	assert.False(t, m.UpdateContext(context.Background(), "s1", full))
	assert.Equal(t, 1, s.callCount())

	require.True(t, m.UpdateContext(context.Background(), "s1", history(11)))
	assert.Equal(t, 2, s.callCount())
	assert.Len(t, s.calls[1], 5)
}

func TestManager_UpdateContextFailureKeepsContext(t *testing.T) {
	tests := []struct {
		name   string
		result string
		err    error
	}{
		{"error", "", errors.New("upstream unavailable")},
		{"empty", "   ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSummarizer{result: tt.result, err: tt.err}
			m := newTestManager(t, s)

			full := history(10)
			for _, e := range full {
				m.Append("s1", e)
			}

			assert.False(t, m.UpdateContext(context.Background(), "s1", full))
			c := m.Get("s1")
			assert.False(t, c.HasSummary())
			assert.Len(t, c.RecentHistory, 10)
		})
	}
}

func TestManager_AppendTrimsOnceSummarized(t *testing.T) {
	s := &fakeSummarizer{result: "summary"}
	m := newTestManager(t, s)

	full := history(11)
	for _, e := range full[:10] {
		m.Append("s1", e)
	}
	require.True(t, m.UpdateContext(context.Background(), "s1", full[:10]))

	c := m.Append("s1", full[10])
	assert.Len(t, c.RecentHistory, DefaultRecentTurnsLimit)
	assert.Equal(t, "turn 10", c.RecentHistory[len(c.RecentHistory)-1].Text)
	assert.Equal(t, 11, c.TotalTurns)
}

func TestManager_TurnsArrivingDuringSummaryAreKept(t *testing.T) {
	s := &fakeSummarizer{
		result:  "summary",
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	m := newTestManager(t, s)

	full := history(12)
	for _, e := range full[:10] {
		m.Append("s1", e)
	}

	done := make(chan bool, 1)
	go func() { done <- m.UpdateContext(context.Background(), "s1", full[:10]) }()
	<-s.started

	m.Append("s1", full[10])
	m.Append("s1", full[11])
	close(s.release)
	require.True(t, <-done)

	c := m.Get("s1")
	assert.Equal(t, full[6:], c.RecentHistory)
	assert.Equal(t, 12, c.TotalTurns)

	// turns 4 and 5 left the window, so they were folded into a second summary
	assert.Equal(t, 6, c.SummarizedTurns)
	require.Equal(t, 2, s.callCount())
	assert.Equal(t, full[:6], s.calls[1])
}

func TestManager_SingleFlight(t *testing.T) {
	s := &fakeSummarizer{
		result:  "summary",
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	m := newTestManager(t, s)

	done := make(chan bool, 1)
	go func() { done <- m.UpdateContext(context.Background(), "s1", history(10)) }()
	<-s.started

	assert.False(t, m.UpdateContext(context.Background(), "s1", history(11)), "second trigger is skipped while one is in flight")

	close(s.release)
	require.True(t, <-done)
	assert.Equal(t, 1, s.callCount())
}

func TestManager_ClearDiscardsInFlightSummary(t *testing.T) {
	s := &fakeSummarizer{
		result:  "summary",
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	m := newTestManager(t, s)

	done := make(chan bool, 1)
	go func() { done <- m.UpdateContext(context.Background(), "s1", history(10)) }()
	<-s.started

	m.Clear("s1")
	close(s.release)

	assert.False(t, <-done)
	assert.False(t, m.Get("s1").HasSummary())
}
