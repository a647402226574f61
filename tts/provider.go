// Package tts provides synthesis backends implementing omnivoice tts.Provider.
//
// Provider calls Google Cloud Text-to-Speech and asks for 8kHz μ-law, which
// Google returns inside a WAV container. Clip replays a pre-recorded,
// headerless μ-law clip instead of calling a backend.
package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/agentplexus/omnivoice/tts"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	texttospeech "google.golang.org/api/texttospeech/v1"

	"github.com/agentplexus/twiliosay/audio"
)

// Verify interface compliance at compile time.
var _ tts.Provider = (*Provider)(nil)

// Google audio encodings.
const (
	EncodingMulaw = "MULAW"
	EncodingMP3   = "MP3"
)

// Provider implements tts.Provider using Google Cloud Text-to-Speech.
// It holds no per-call state and is safe for concurrent use.
type Provider struct {
	service         *texttospeech.Service
	defaultVoice    string
	defaultLanguage string
	gender          string
	sampleRate      int64

	mu          sync.RWMutex
	voicesCache []tts.Voice
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	credentialsFile string
	voice           string
	language        string
	gender          string
	sampleRate      int64
	clientOptions   []option.ClientOption
}

// WithCredentialsFile sets the service account key used to authenticate.
func WithCredentialsFile(path string) Option {
	return func(o *options) {
		o.credentialsFile = path
	}
}

// WithVoice sets the default voice name.
func WithVoice(voice string) Option {
	return func(o *options) {
		o.voice = voice
	}
}

// WithLanguage sets the default language code.
func WithLanguage(language string) Option {
	return func(o *options) {
		o.language = language
	}
}

// WithGender sets the SSML gender (MALE, FEMALE, NEUTRAL).
func WithGender(gender string) Option {
	return func(o *options) {
		o.gender = strings.ToUpper(gender)
	}
}

// WithSampleRate sets the μ-law output sample rate.
func WithSampleRate(hz int) Option {
	return func(o *options) {
		o.sampleRate = int64(hz)
	}
}

// WithClientOptions appends Google API client options (endpoint, HTTP client).
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(o *options) {
		o.clientOptions = append(o.clientOptions, opts...)
	}
}

// New creates a Google Text-to-Speech provider. Failure to load credentials
// is returned so callers can treat it as fatal at startup.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	cfg := &options{
		voice:      "en-US-Standard-E",
		language:   "en-US",
		gender:     "FEMALE",
		sampleRate: 8000,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var clientOpts []option.ClientOption
	if cfg.credentialsFile != "" {
		data, err := os.ReadFile(cfg.credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read credentials %s: %w", cfg.credentialsFile, err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, texttospeech.CloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("parse credentials %s: %w", cfg.credentialsFile, err)
		}
		clientOpts = append(clientOpts, option.WithCredentials(creds))
	}
	clientOpts = append(clientOpts, cfg.clientOptions...)

	service, err := texttospeech.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Text-to-Speech client: %w", err)
	}

	return &Provider{
		service:         service,
		defaultVoice:    cfg.voice,
		defaultLanguage: cfg.language,
		gender:          cfg.gender,
		sampleRate:      cfg.sampleRate,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "google"
}

// Synthesize converts text to 8kHz μ-law speech. The returned audio is the
// WAV container Google produces; Format is "wav".
func (p *Provider) Synthesize(ctx context.Context, text string, config tts.SynthesisConfig) (*tts.SynthesisResult, error) {
	container, err := p.synthesize(ctx, text, config, &texttospeech.AudioConfig{
		AudioEncoding:   EncodingMulaw,
		SampleRateHertz: p.sampleRate,
	})
	if err != nil {
		return nil, err
	}

	return &tts.SynthesisResult{
		Audio:          container,
		Format:         audio.FormatWAV,
		CharacterCount: len(text),
	}, nil
}

// SynthesizeMP3 converts text to an MP3 file for playback over HTTP.
func (p *Provider) SynthesizeMP3(ctx context.Context, text string, config tts.SynthesisConfig) ([]byte, error) {
	return p.synthesize(ctx, text, config, &texttospeech.AudioConfig{
		AudioEncoding: EncodingMP3,
	})
}

func (p *Provider) synthesize(ctx context.Context, text string, config tts.SynthesisConfig, audioConfig *texttospeech.AudioConfig) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text is required")
	}

	voice := config.VoiceID
	if voice == "" {
		voice = p.defaultVoice
	}
	language := p.defaultLanguage
	if config.Model != "" {
		// Use model as language override
		language = config.Model
	}

	req := &texttospeech.SynthesizeSpeechRequest{
		Input: &texttospeech.SynthesisInput{Text: text},
		Voice: &texttospeech.VoiceSelectionParams{
			LanguageCode: language,
			Name:         voice,
			SsmlGender:   p.gender,
		},
		AudioConfig: audioConfig,
	}

	resp, err := p.service.Text.Synthesize(req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("google synthesize: %w", err)
	}
	if resp.AudioContent == "" {
		return nil, errors.New("google synthesize: empty audio content")
	}

	data, err := audio.DecodeBase64(resp.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("google synthesize: %w", err)
	}
	return data, nil
}

// SynthesizeStream is not natively streamed by Google; the whole utterance
// arrives as one final chunk.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, config tts.SynthesisConfig) (<-chan tts.StreamChunk, error) {
	result, err := p.Synthesize(ctx, text, config)
	if err != nil {
		return nil, err
	}

	out := make(chan tts.StreamChunk, 1)
	out <- tts.StreamChunk{
		Audio:   result.Audio,
		IsFinal: true,
	}
	close(out)
	return out, nil
}

// ListVoices returns the voices Google offers for the default language.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	p.mu.RLock()
	if p.voicesCache != nil {
		cached := make([]tts.Voice, len(p.voicesCache))
		copy(cached, p.voicesCache)
		p.mu.RUnlock()
		return cached, nil
	}
	p.mu.RUnlock()

	resp, err := p.service.Voices.List().LanguageCode(p.defaultLanguage).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("google list voices: %w", err)
	}

	voices := make([]tts.Voice, 0, len(resp.Voices))
	for _, v := range resp.Voices {
		language := ""
		if len(v.LanguageCodes) > 0 {
			language = v.LanguageCodes[0]
		}
		voices = append(voices, tts.Voice{
			ID:       v.Name,
			Name:     v.Name,
			Language: language,
			Gender:   strings.ToLower(v.SsmlGender),
			Provider: "google",
		})
	}

	p.mu.Lock()
	p.voicesCache = voices
	p.mu.Unlock()

	return voices, nil
}

// GetVoice returns a specific voice by ID.
func (p *Provider) GetVoice(ctx context.Context, voiceID string) (*tts.Voice, error) {
	voices, err := p.ListVoices(ctx)
	if err != nil {
		return nil, err
	}

	for _, v := range voices {
		if v.ID == voiceID {
			return &v, nil
		}
	}

	return nil, fmt.Errorf("voice not found: %s", voiceID)
}
