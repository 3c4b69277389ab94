// Package types defines the shared value types used across the glasses-cloud
// control plane. These are the lingua franca between the glasses/App duplex
// endpoints, the transcription providers, and the subscription/relay fabric —
// cross-cutting data structures live here to avoid circular imports between
// the session, appmanager, subscription and transcription packages.
package types

import "time"

// AudioFrame is a chunk of raw PCM audio flowing from the glasses link into
// the AudioRouter. Encoding is pass-through: 16-bit signed PCM, mono, at the
// sample rate declared when the session started.
type AudioFrame struct {
	PCM        []byte
	SampleRate int
	Timestamp  time.Duration
}

// WordDetail holds per-word timing/confidence metadata from providers that
// support word-level output (not all do).
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Transcript is a single interim or final recognition result produced by a
// transcription or translation provider stream.
type Transcript struct {
	ResultID   string
	SpeakerID  string
	Text       string
	IsFinal    bool
	Confidence float64
	Words      []WordDetail
	Timestamp  time.Duration
}

// LanguagePair identifies a translation direction. Translate is empty for a
// plain transcription stream.
type LanguagePair struct {
	Transcribe string // BCP-47 tag, e.g. "en-US"
	Translate  string // BCP-47 tag, empty if this is not a translation stream
}

// CloseCode enumerates the stable duplex-link close codes used on both the
// glasses link and the App link.
type CloseCode int

const (
	CloseNormal     CloseCode = 1000
	CloseGoingAway  CloseCode = 1001
	ClosePolicy     CloseCode = 1008 // auth / policy failure
	CloseInternal   CloseCode = 1011 // internal error
)

// Location is a single cached location sample, replayed to newly-subscribed
// Apps.
type Location struct {
	Lat       float64
	Lng       float64
	Timestamp time.Time
}

// CalendarEvent is a single cached calendar event, replayed on a new
// calendar_event subscription.
type CalendarEvent struct {
	ID        string
	Title     string
	StartTime time.Time
	EndTime   time.Time
}
