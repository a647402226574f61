// Package twiml builds the call-control documents returned from the
// call-setup webhook.
package twiml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/agentplexus/twiliosay"
)

// StreamPath is the WebSocket path Twilio is told to open.
const StreamPath = "/connect"

// Response is the TwiML <Response> root.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Say     *Say
	Play    *Play
	Connect *Connect
}

// Say represents a TwiML <Say> element.
type Say struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

// Play represents a TwiML <Play> element.
type Play struct {
	XMLName xml.Name `xml:"Play"`
	Loop    int      `xml:"loop,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

// Connect represents a TwiML <Connect> element.
type Connect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  *Stream
}

// Stream represents a TwiML <Stream> element.
type Stream struct {
	XMLName    xml.Name    `xml:"Stream"`
	URL        string      `xml:"url,attr"`
	Name       string      `xml:"name,attr,omitempty"`
	Track      string      `xml:"track,attr,omitempty"`
	Parameters []Parameter `xml:"Parameter"`
}

// Parameter is a custom parameter passed to the stream's start event.
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Builder renders directives with a fixed greeting and stream settings.
type Builder struct {
	greeting   string
	voice      string
	language   string
	streamName string
	track      string
	params     []Parameter
}

// Option configures the Builder.
type Option func(*Builder)

// WithGreeting sets the text spoken before the stream connects.
func WithGreeting(text string) Option {
	return func(b *Builder) {
		b.greeting = text
	}
}

// WithSayVoice sets the voice and language attributes of <Say>.
func WithSayVoice(voice, language string) Option {
	return func(b *Builder) {
		b.voice = voice
		b.language = language
	}
}

// WithStreamName names the stream.
func WithStreamName(name string) Option {
	return func(b *Builder) {
		b.streamName = name
	}
}

// WithTrack sets which call track Twilio streams.
func WithTrack(track string) Option {
	return func(b *Builder) {
		b.track = track
	}
}

// WithParameter adds a custom <Parameter> to the stream.
func WithParameter(name, value string) Option {
	return func(b *Builder) {
		b.params = append(b.params, Parameter{Name: name, Value: value})
	}
}

// New creates a Builder.
func New(opts ...Option) *Builder {
	b := &Builder{
		greeting: twiliosay.DefaultGreeting,
		track:    twiliosay.TrackInbound,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SayAndConnect speaks the greeting, then connects the call to
// wss://{host}/connect.
func (b *Builder) SayAndConnect(host string) (string, error) {
	host = strings.TrimSuffix(strings.TrimSpace(host), "/")
	if host == "" {
		return "", errors.New("twiml: host is required")
	}
	if strings.Contains(host, "://") {
		return "", fmt.Errorf("twiml: host %q must not include a scheme", host)
	}

	resp := &Response{
		Connect: &Connect{Stream: &Stream{
			URL:        "wss://" + host + StreamPath,
			Name:       b.streamName,
			Track:      b.track,
			Parameters: b.params,
		}},
	}
	if b.greeting != "" {
		resp.Say = &Say{Voice: b.voice, Language: b.language, Text: b.greeting}
	}
	return render(resp)
}

// PlayURL plays the audio at url. The url is used verbatim.
func (b *Builder) PlayURL(url string) (string, error) {
	if strings.TrimSpace(url) == "" {
		return "", errors.New("twiml: url is required")
	}
	return render(&Response{Play: &Play{URL: url}})
}

// SayAndConnect renders a greeting plus stream directive with defaults.
func SayAndConnect(host string) (string, error) {
	return New().SayAndConnect(host)
}

// PlayURL renders a play directive with defaults.
func PlayURL(url string) (string, error) {
	return New().PlayURL(url)
}

func render(resp *Response) (string, error) {
	out, err := xml.MarshalIndent(resp, "", "    ")
	if err != nil {
		return "", fmt.Errorf("twiml: marshal: %w", err)
	}
	return xml.Header + string(out), nil
}
