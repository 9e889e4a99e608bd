package gcp

import (
	"context"
	"fmt"
	"time"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/govpress/docaudio-backend/internal/platform/envutil"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
)

// TTSClient synthesizes one text chunk per call. Chunking and progress
// mapping live above this layer.
type TTSClient interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Close() error
}

type ttsClient struct {
	log    *logger.Logger
	client *texttospeech.Client

	languageCode string
	voiceName    string
	speakingRate float64

	maxRetries int
}

func NewTTSClient(log *logger.Logger) (TTSClient, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "TTSClient")

	ctx := context.Background()
	c, err := texttospeech.NewClient(ctx, ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("texttospeech client: %w", err)
	}

	return &ttsClient{
		log:          slog,
		client:       c,
		languageCode: envutil.Str("TTS_LANGUAGE_CODE", "id-ID"),
		voiceName:    envutil.Str("TTS_VOICE_NAME", ""),
		speakingRate: 1.0,
		maxRetries:   4,
	}, nil
}

func (t *ttsClient) Close() error {
	if t == nil || t.client == nil {
		return nil
	}
	return t.client.Close()
}

func (t *ttsClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	req := &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: t.languageCode,
			Name:         t.voiceName,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: texttospeechpb.AudioEncoding_MP3,
			SpeakingRate:  t.speakingRate,
		},
	}

	resp, err := t.retry(ctx, func() (*texttospeechpb.SynthesizeSpeechResponse, error) {
		return t.client.SynthesizeSpeech(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("texttospeech synthesize: %w", err)
	}
	return resp.GetAudioContent(), nil
}

func (t *ttsClient) retry(ctx context.Context, fn func() (*texttospeechpb.SynthesizeSpeechResponse, error)) (*texttospeechpb.SynthesizeSpeechResponse, error) {
	backoff := 750 * time.Millisecond
	var last error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		last = err

		code := status.Code(err)
		if code != codes.Unavailable && code != codes.ResourceExhausted && code != codes.DeadlineExceeded {
			return nil, err
		}
		if attempt == t.maxRetries {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
	return nil, last
}
