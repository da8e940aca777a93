package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dealcoach/server/domain/repositories"
)

// GoogleSpeechToText implements SpeechToText for Google Cloud
type GoogleSpeechToText struct {
	logger *zap.Logger
}

var _ repositories.SpeechToText = (*GoogleSpeechToText)(nil)

// NewGoogleSpeechToText creates a Google Cloud Speech engine. Credentials
// come from the environment (GOOGLE_APPLICATION_CREDENTIALS).
func NewGoogleSpeechToText(logger *zap.Logger) *GoogleSpeechToText {
	return &GoogleSpeechToText{logger: logger}
}

// TODO: reopen the recognize stream before Google's per-stream duration limit
// so calls longer than about five minutes keep producing transcripts.

// Connect opens a streaming recognize call with interim results
func (g *GoogleSpeechToText) Connect(ctx context.Context, config repositories.AudioConfig, onEvent func(repositories.TranscriptEvent)) (repositories.SpeechStream, error) {
	// Convert encoding string to Google Speech API enum
	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		return nil, err
	}

	// Create Google Cloud Speech client
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	// Create streaming recognize request
	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	// Send initial configuration
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   encoding,
					SampleRateHertz:            int32(config.SampleRate),
					LanguageCode:               config.Language,
					EnableAutomaticPunctuation: true,
					Model:                      "phone_call",
					UseEnhanced:                true,
				},
				InterimResults: true,
			},
		},
	}); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	s := &googleStream{
		client:  client,
		stream:  stream,
		cancel:  cancel,
		onEvent: onEvent,
		done:    make(chan struct{}),
		logger:  g.logger,
	}
	go s.receiveResults()

	return s, nil
}

type googleStream struct {
	client  *speech.Client
	stream  speechpb.Speech_StreamingRecognizeClient
	cancel  context.CancelFunc
	onEvent func(repositories.TranscriptEvent)
	done    chan struct{}
	logger  *zap.Logger

	sendMu sync.Mutex
	closed bool
	once   sync.Once
}

// Send implements repositories.SpeechStream
func (g *googleStream) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	g.sendMu.Lock()
	defer g.sendMu.Unlock()
	if g.closed {
		return fmt.Errorf("speech stream closed")
	}

	// Send audio data to Google
	if err := g.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: data,
		},
	}); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

// Finalize half-closes the stream, waits for the last results and releases
// the client.
func (g *googleStream) Finalize() error {
	var err error
	g.once.Do(func() {
		g.sendMu.Lock()
		g.closed = true
		err = g.stream.CloseSend()
		g.sendMu.Unlock()

		select {
		case <-g.done:
		case <-time.After(finalizeTimeout):
			g.logger.Warn("Speech recognition did not finish in time")
		}
		g.cancel()
		if cerr := g.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	if err != nil {
		return fmt.Errorf("failed to close speech stream: %w", err)
	}
	return nil
}

func (g *googleStream) receiveResults() {
	defer close(g.done)

	for {
		resp, err := g.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			if status.Code(err) != codes.Canceled && !errors.Is(err, context.Canceled) {
				g.logger.Warn("Speech recognition stream failed", zap.Error(err))
			}
			return
		}
		if resp.Error != nil {
			g.logger.Warn("Speech recognition error", zap.String("message", resp.Error.Message))
			continue
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			// Take the best alternative
			g.onEvent(repositories.TranscriptEvent{
				IsFinal: result.IsFinal,
				Text:    result.Alternatives[0].Transcript,
			})
		}
	}
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "", "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "AMR":
		return speechpb.RecognitionConfig_AMR, nil
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
