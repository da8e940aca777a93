package usecase

import (
	"context"
	"encoding/json"
	"iter"
	"strings"
	"sync"

	"github.com/dealcoach/server/domain"
	"github.com/dealcoach/server/domain/repositories"
)

// fakeLLM answers structured requests with canned JSON per schema
type fakeLLM struct {
	mu sync.Mutex

	structured    map[repositories.OutputSchema]string
	structuredErr error
	generated     string
	generateErr   error
	tokens        []string
	streamErr     error

	// optional hooks run before the canned answer
	beforeStructured func(ctx context.Context, schema repositories.OutputSchema) error
	beforeStream     func(ctx context.Context) error

	prompts         []repositories.Prompt
	structuredCalls map[repositories.OutputSchema]int
	generateCalls   int
	streamCalls     int
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		structured:      make(map[repositories.OutputSchema]string),
		structuredCalls: make(map[repositories.OutputSchema]int),
	}
}

func (f *fakeLLM) Generate(ctx context.Context, prompt repositories.Prompt) (string, error) {
	f.mu.Lock()
	f.generateCalls++
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	return f.generated, f.generateErr
}

func (f *fakeLLM) GenerateStructured(ctx context.Context, prompt repositories.Prompt, schema repositories.OutputSchema, out any) error {
	f.mu.Lock()
	f.structuredCalls[schema]++
	f.prompts = append(f.prompts, prompt)
	raw := f.structured[schema]
	f.mu.Unlock()

	if f.beforeStructured != nil {
		if err := f.beforeStructured(ctx, schema); err != nil {
			return err
		}
	}
	if f.structuredErr != nil {
		return f.structuredErr
	}
	return json.Unmarshal([]byte(raw), out)
}

func (f *fakeLLM) GenerateStream(ctx context.Context, prompt repositories.Prompt) iter.Seq2[string, error] {
	f.mu.Lock()
	f.streamCalls++
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	return func(yield func(string, error) bool) {
		if f.beforeStream != nil {
			if err := f.beforeStream(ctx); err != nil {
				yield("", err)
				return
			}
		}
		for _, token := range f.tokens {
			if !yield(token, nil) {
				return
			}
		}
		if f.streamErr != nil {
			yield("", f.streamErr)
		}
	}
}

func (f *fakeLLM) structuredCount(schema repositories.OutputSchema) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.structuredCalls[schema]
}

func (f *fakeLLM) promptsContaining(system, text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.prompts {
		if p.System == system && strings.Contains(p.User, text) {
			n++
		}
	}
	return n
}

func (f *fakeLLM) lastPrompt() repositories.Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return repositories.Prompt{}
	}
	return f.prompts[len(f.prompts)-1]
}

type recordingStreamHandler struct {
	mu     sync.Mutex
	events []string
	tokens []string
	final  string
}

func (h *recordingStreamHandler) OnSummaryStart() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "start")
}

func (h *recordingStreamHandler) OnSummaryToken(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "token")
	h.tokens = append(h.tokens, token)
}

func (h *recordingStreamHandler) OnSummaryEnd(summary string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "end")
	h.final = summary
}

const (
	validTurnJSON = `{"motivationLevel":7,"painPoints":["behind on payments"],"objectionDetected":true,"objectionType":"price","suggestedResponse":"What number would make this work for you?","recommendedNextMove":"Anchor on condition"}`
	validCallJSON = `{"finalMotivationLevel":8,"painPoints":["foreclosure"],"objections":["price too low"],"summary":"structured summary","nextSteps":"Send offer by Friday"}`
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []domain.Event
}

func (e *recordingEmitter) Emit(sessionID string, event domain.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *recordingEmitter) ofType(eventType domain.EventType) []domain.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Event
	for _, ev := range e.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fakeSpeechEngine struct {
	mu      sync.Mutex
	onEvent func(repositories.TranscriptEvent)
	stream  *fakeSpeechStream
	config   repositories.AudioConfig
	err      error
	connects int

	// onFinalize is installed on every stream the engine opens
	onFinalize func()
}

func (f *fakeSpeechEngine) Connect(ctx context.Context, config repositories.AudioConfig, onEvent func(repositories.TranscriptEvent)) (repositories.SpeechStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.err != nil {
		return nil, f.err
	}
	f.onEvent = onEvent
	f.config = config
	f.stream = &fakeSpeechStream{onFinalize: f.onFinalize}
	return f.stream, nil
}

func (f *fakeSpeechEngine) emit(event repositories.TranscriptEvent) {
	f.mu.Lock()
	onEvent := f.onEvent
	f.mu.Unlock()
	onEvent(event)
}

type fakeSpeechStream struct {
	mu         sync.Mutex
	frames     [][]byte
	finalized  int
	onFinalize func()
}

func (f *fakeSpeechStream) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeSpeechStream) Finalize() error {
	f.mu.Lock()
	f.finalized++
	flush := f.onFinalize
	f.mu.Unlock()

	if flush != nil {
		flush()
	}
	return nil
}

func (f *fakeSpeechStream) sentFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type fakeTelephony struct {
	mu     sync.Mutex
	frames []string
}

func (f *fakeTelephony) SendMedia(payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, payload)
	return nil
}

func (f *fakeTelephony) IsOpen() bool { return true }

func (f *fakeTelephony) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

type fakeTTS struct {
	chunks [][]byte
	texts  chan string
}

func (f *fakeTTS) ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error) {
	if f.texts != nil {
		f.texts <- text
	}
	ch := make(chan []byte, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}
