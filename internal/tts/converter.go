package tts

import (
	"context"
	"fmt"
	"strings"

	"github.com/govpress/docaudio-backend/internal/clients/gcp"
	"github.com/govpress/docaudio-backend/internal/platform/envutil"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
)

// DefaultChunkSize is the target chunk length in characters. Google TTS
// caps a single synthesize request at 5000 bytes; short chunks also give
// the progress callback useful granularity.
const DefaultChunkSize = 500

// googleMP3Bitrate is the bitrate of the MP3 stream Google TTS emits.
// Duration is estimated from it because the API returns raw audio only.
const googleMP3Bitrate = 32000

// Result is the outcome of one full conversion. AudioByFormat carries at
// least one playable encoding keyed by extension (mp3 today).
type Result struct {
	AudioByFormat   map[string][]byte
	DurationSeconds float64
	ChunkCount      int
}

// ChunkFunc is called synchronously after each chunk is synthesized.
type ChunkFunc func(index, total int, status string)

type Converter interface {
	ConvertWithProgress(ctx context.Context, text string, onChunk ChunkFunc) (*Result, error)
}

type googleConverter struct {
	log       *logger.Logger
	client    gcp.TTSClient
	chunkSize int
}

func NewGoogleConverter(log *logger.Logger, client gcp.TTSClient) (Converter, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if client == nil {
		return nil, fmt.Errorf("tts client required")
	}
	return &googleConverter{
		log:       log.With("service", "GoogleConverter"),
		client:    client,
		chunkSize: envutil.Int("TTS_CHUNK_SIZE", DefaultChunkSize),
	}, nil
}

func (c *googleConverter) ConvertWithProgress(ctx context.Context, text string, onChunk ChunkFunc) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	chunks := SplitChunks(text, c.chunkSize)
	total := len(chunks)

	var audio []byte
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		part, err := c.client.Synthesize(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("synthesize chunk %d/%d: %w", i+1, total, err)
		}
		if len(part) == 0 {
			return nil, fmt.Errorf("synthesize chunk %d/%d: no audio returned", i+1, total)
		}
		audio = append(audio, part...)
		if onChunk != nil {
			onChunk(i, total, "synthesized")
		}
	}

	if len(audio) == 0 {
		return nil, fmt.Errorf("no audio produced for %d chunks", total)
	}

	return &Result{
		AudioByFormat:   map[string][]byte{"mp3": audio},
		DurationSeconds: EstimateMP3Duration(len(audio)),
		ChunkCount:      total,
	}, nil
}

// EstimateMP3Duration derives seconds from byte length at the fixed
// synthesis bitrate.
func EstimateMP3Duration(byteLen int) float64 {
	if byteLen <= 0 {
		return 0
	}
	return float64(byteLen) * 8 / googleMP3Bitrate
}

// SplitChunks breaks text into chunks of at most max characters, preferring
// sentence boundaries, then word boundaries. Never returns an empty chunk.
func SplitChunks(text string, max int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if max <= 0 {
		max = DefaultChunkSize
	}
	if len(text) <= max {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	for _, sentence := range splitSentences(text) {
		if cur.Len() > 0 && cur.Len()+1+len(sentence) > max {
			chunks = append(chunks, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
		if len(sentence) > max {
			if cur.Len() > 0 {
				chunks = append(chunks, strings.TrimSpace(cur.String()))
				cur.Reset()
			}
			chunks = append(chunks, splitWords(sentence, max)...)
			continue
		}
		if cur.Len() > 0 {
			cur.WriteString(" ")
		}
		cur.WriteString(sentence)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, strings.TrimSpace(cur.String()))
	}
	return chunks
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			end := i + 1
			for end < len(text) && (text[end] == '.' || text[end] == '!' || text[end] == '?') {
				end++
			}
			s := strings.TrimSpace(text[start:end])
			if s != "" {
				out = append(out, s)
			}
			start = end
			i = end - 1
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		out = append(out, tail)
	}
	return out
}

func splitWords(s string, max int) []string {
	var chunks []string
	var cur strings.Builder
	for _, w := range strings.Fields(s) {
		if cur.Len() > 0 && cur.Len()+1+len(w) > max {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if len(w) > max {
			if cur.Len() > 0 {
				chunks = append(chunks, cur.String())
				cur.Reset()
			}
			for len(w) > max {
				chunks = append(chunks, w[:max])
				w = w[max:]
			}
			if w != "" {
				cur.WriteString(w)
			}
			continue
		}
		if cur.Len() > 0 {
			cur.WriteString(" ")
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}
