package tts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentplexus/omnivoice/tts"

	"github.com/agentplexus/twiliosay/audio"
)

var _ tts.Provider = (*Clip)(nil)

// DefaultClipName is the clip looked up in the base directory.
const DefaultClipName = "standard.dat"

// Clip replays a pre-recorded clip instead of synthesizing. The file must
// already be headerless 8kHz mono μ-law; the text is ignored.
type Clip struct {
	path    string
	samples []byte
}

// NewClip loads the clip at baseDir/name.
func NewClip(baseDir, name string) (*Clip, error) {
	if name == "" {
		name = DefaultClipName
	}
	path := filepath.Join(baseDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read clip %s: %w", path, err)
	}
	return &Clip{path: path, samples: data}, nil
}

// Name returns the provider name.
func (c *Clip) Name() string {
	return "clip"
}

// Path returns the clip location.
func (c *Clip) Path() string {
	return c.path
}

// Synthesize returns a copy of the clip.
func (c *Clip) Synthesize(ctx context.Context, text string, config tts.SynthesisConfig) (*tts.SynthesisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	samples := make([]byte, len(c.samples))
	copy(samples, c.samples)
	return &tts.SynthesisResult{
		Audio:          samples,
		Format:         audio.FormatUlaw,
		CharacterCount: len(text),
	}, nil
}

// SynthesizeStream returns the clip as one final chunk.
func (c *Clip) SynthesizeStream(ctx context.Context, text string, config tts.SynthesisConfig) (<-chan tts.StreamChunk, error) {
	result, err := c.Synthesize(ctx, text, config)
	if err != nil {
		return nil, err
	}
	out := make(chan tts.StreamChunk, 1)
	out <- tts.StreamChunk{Audio: result.Audio, IsFinal: true}
	close(out)
	return out, nil
}

// ListVoices returns the single pseudo-voice of the clip.
func (c *Clip) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return []tts.Voice{{ID: "clip", Name: filepath.Base(c.path), Provider: "clip"}}, nil
}

// GetVoice returns the clip voice.
func (c *Clip) GetVoice(ctx context.Context, voiceID string) (*tts.Voice, error) {
	if voiceID != "clip" {
		return nil, fmt.Errorf("voice not found: %s", voiceID)
	}
	voices, _ := c.ListVoices(ctx)
	return &voices[0], nil
}
