package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dealcoach/server/domain"
	"github.com/dealcoach/server/domain/entities"
)

// Line is one scripted turn
type Line struct {
	Speaker string
	Text    string
}

// defaultScript alternates seller and user, opening with the seller
var defaultScript = []Line{
	{entities.SpeakerSeller, "Hi, yeah, I got your letter about the house on Maple Street."},
	{entities.SpeakerUser, "Thanks for calling back. What has you thinking about selling?"},
	{entities.SpeakerSeller, "My mother passed last year and nobody in the family wants to deal with the repairs."},
	{entities.SpeakerUser, "I'm sorry to hear that. What kind of repairs are we talking about?"},
	{entities.SpeakerSeller, "The roof leaks and the foundation has cracks. Honestly I just want it gone before winter."},
	{entities.SpeakerUser, "That makes sense. Do you have a number in mind?"},
	{entities.SpeakerSeller, "The agent said two eighty, but your offer seems too low from what I've heard."},
	{entities.SpeakerUser, "Fair enough. If we could close in three weeks with no repairs, would that help?"},
	{entities.SpeakerSeller, "Maybe. I'd need to talk to my brother first."},
}

// Options drive one simulated call
type Options struct {
	URL             string
	SessionID       string
	Script          []Line
	Delay           time.Duration
	DurationSeconds *int
	StartTimeout    time.Duration
	SummaryTimeout  time.Duration
}

type wireEvent struct {
	Type      domain.EventType `json:"type"`
	SessionID string           `json:"session_id"`
	Payload   json.RawMessage  `json:"payload"`
}

// Simulator plays a script against the dashboard socket and prints what
// the server sends back
type Simulator struct {
	options Options
	out     io.Writer
	logger  *zap.Logger
}

func NewSimulator(options Options, out io.Writer, logger *zap.Logger) *Simulator {
	if options.Script == nil {
		options.Script = defaultScript
	}
	if options.StartTimeout == 0 {
		options.StartTimeout = 10 * time.Second
	}
	if options.SummaryTimeout == 0 {
		options.SummaryTimeout = 90 * time.Second
	}
	return &Simulator{options: options, out: out, logger: logger}
}

// Run plays one call and returns the call summary
func (s *Simulator) Run(ctx context.Context) (entities.CallSummary, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.options.URL, nil)
	if err != nil {
		return entities.CallSummary{}, fmt.Errorf("failed to connect to %s: %w", s.options.URL, err)
	}

	started := make(chan string, 1)
	summaries := make(chan entities.CallSummary, 1)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		readErr <- s.readLoop(conn, started, summaries)
	}()
	defer func() {
		conn.Close()
		<-done
	}()

	if err := conn.WriteJSON(map[string]any{"type": "start_call", "session_id": s.options.SessionID}); err != nil {
		return entities.CallSummary{}, fmt.Errorf("failed to send start_call: %w", err)
	}

	var sessionID string
	select {
	case sessionID = <-started:
	case err := <-readErr:
		return entities.CallSummary{}, fmt.Errorf("connection closed before the call started: %w", err)
	case <-time.After(s.options.StartTimeout):
		return entities.CallSummary{}, errors.New("timed out waiting for call_started")
	case <-ctx.Done():
		return entities.CallSummary{}, ctx.Err()
	}
	s.logger.Info("Call started", zap.String("sessionID", sessionID))

	for _, line := range s.options.Script {
		msg := map[string]any{"type": "simulate_speech", "speaker": line.Speaker, "text": line.Text}
		if err := conn.WriteJSON(msg); err != nil {
			return entities.CallSummary{}, fmt.Errorf("failed to send simulate_speech: %w", err)
		}
		select {
		case <-time.After(s.options.Delay):
		case <-ctx.Done():
			return entities.CallSummary{}, ctx.Err()
		}
	}

	end := map[string]any{"type": "end_call"}
	if s.options.DurationSeconds != nil {
		end["duration_seconds"] = *s.options.DurationSeconds
	}
	if err := conn.WriteJSON(end); err != nil {
		return entities.CallSummary{}, fmt.Errorf("failed to send end_call: %w", err)
	}

	select {
	case summary := <-summaries:
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return summary, nil
	case err := <-readErr:
		return entities.CallSummary{}, fmt.Errorf("connection closed before the summary: %w", err)
	case <-time.After(s.options.SummaryTimeout):
		return entities.CallSummary{}, errors.New("timed out waiting for call_summary")
	case <-ctx.Done():
		return entities.CallSummary{}, ctx.Err()
	}
}

func (s *Simulator) readLoop(conn *websocket.Conn, started chan<- string, summaries chan<- entities.CallSummary) error {
	for {
		var event wireEvent
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}

		switch event.Type {
		case domain.EventCallStarted:
			select {
			case started <- event.SessionID:
			default:
			}

		case domain.EventTranscriptUpdate:
			var entry entities.TranscriptEntry
			if json.Unmarshal(event.Payload, &entry) == nil {
				fmt.Fprintf(s.out, "[%s] %s\n", entry.Speaker, entry.Text)
			}

		case domain.EventAISuggestion:
			var suggestion domain.SuggestionPayload
			if json.Unmarshal(event.Payload, &suggestion) == nil {
				fmt.Fprintf(s.out, "    >> turn %d, motivation %d/10: %s\n",
					suggestion.TurnIndex, suggestion.MotivationLevel, suggestion.SuggestedResponse)
			}

		case domain.EventSummaryStart:
			fmt.Fprint(s.out, "\nSummary: ")

		case domain.EventSummaryToken:
			var token domain.SummaryTokenPayload
			if json.Unmarshal(event.Payload, &token) == nil {
				fmt.Fprint(s.out, token.Token)
			}

		case domain.EventSummaryEnd:
			fmt.Fprintln(s.out)

		case domain.EventCallSummary:
			var summary entities.CallSummary
			if err := json.Unmarshal(event.Payload, &summary); err != nil {
				return fmt.Errorf("failed to decode call summary: %w", err)
			}
			pretty, _ := json.MarshalIndent(summary, "", "  ")
			fmt.Fprintf(s.out, "%s\n", pretty)
			summaries <- summary

		case domain.EventError:
			var payload domain.ErrorPayload
			if json.Unmarshal(event.Payload, &payload) == nil {
				s.logger.Warn("Server reported an error",
					zap.String("errorCode", payload.Code),
					zap.String("message", payload.Message))
			}

		default:
			s.logger.Debug("Ignoring event", zap.String("type", string(event.Type)))
		}
	}
}
