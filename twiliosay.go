// Package twiliosay answers Twilio calls with a synthesized utterance streamed
// over Media Streams.
//
// The module is split by concern:
//   - transport: Media Streams protocol, session state machine and coordinator
//   - audio: payload codec (base64, container header strip)
//   - tts: synthesis backends (Google Cloud Text-to-Speech, pre-recorded clip)
//   - twiml: call-control documents for the call-setup webhook
//   - callsystem: call bookkeeping for webhooks and stream starts
//
// # Environment Variables
//
//	BASE_FILE_DIR                  - Directory holding static audio assets
//	GOOGLE_APPLICATION_CREDENTIALS - Service account key for Text-to-Speech
//	TWILIO_ACCOUNT_SID             - Optional, enables call hangup
//	TWILIO_AUTH_TOKEN              - Optional, enables call hangup
//
// # Quick Start
//
//	go run ./cmd/twiliosay -config configs/twiliosay.yaml
package twiliosay

// Version is the service version.
const Version = "0.1.0"

// ServiceName identifies the service in logs, traces and NATS subjects.
const ServiceName = "twiliosay"

// Audio format constants for Media Streams.
const (
	// AudioEncodingMulaw is the μ-law encoding (8-bit, 8kHz) Twilio expects.
	AudioEncodingMulaw = "audio/x-mulaw"

	// DefaultSampleRate is the telephony sample rate (8kHz).
	DefaultSampleRate = 8000

	// DefaultChannels is the channel count of telephony audio.
	DefaultChannels = 1
)

// Stream track values for the TwiML <Stream> verb.
const (
	TrackInbound  = "inbound_track"
	TrackOutbound = "outbound_track"
	TrackBoth     = "both_tracks"
)

// Default voice selection for synthesis.
const (
	DefaultLanguage = "en-US"
	DefaultVoice    = "en-US-Standard-E"
	DefaultGender   = "FEMALE"
)

// DefaultGreeting is spoken by the <Say> verb before the stream connects.
const DefaultGreeting = "Hi. I'm your Twilio host. Welcome!"

// DefaultUtterance is synthesized and streamed once the stream starts.
const DefaultUtterance = `Now is the winter of our discontent
Made glorious summer by this sun of York.
Some are born great, some achieve greatness
And some have greatness thrust upon them.
Friends, Romans, countrymen - lend me your ears!
`
