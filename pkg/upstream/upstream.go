// Package upstream owns the outbound connection from a session to the
// speech vendor's streaming endpoint.
package upstream

import (
	"context"
	"errors"

	"github.com/harunnryd/voxgate/pkg/frames"
	"github.com/harunnryd/voxgate/pkg/settings"
)

var (
	ErrMissingCredentials = errors.New("ASR configuration missing")
	ErrCircuitOpen        = errors.New("upstream temporarily unavailable")
	ErrClosed             = errors.New("upstream connection closed")
)

// AudioFormat describes the audio the client streams.
type AudioFormat struct {
	Format   string `mapstructure:"format"`
	Codec    string `mapstructure:"codec"`
	Rate     int    `mapstructure:"rate"`
	Bits     int    `mapstructure:"bits"`
	Channels int    `mapstructure:"channels"`
	Language string `mapstructure:"language"`
}

func (a AudioFormat) WithDefaults() AudioFormat {
	if a.Format == "" {
		a.Format = "pcm"
	}
	if a.Codec == "" {
		a.Codec = "raw"
	}
	if a.Rate == 0 {
		a.Rate = 16000
	}
	if a.Bits == 0 {
		a.Bits = 16
	}
	if a.Channels == 0 {
		a.Channels = 1
	}
	return a
}

// OpenRequest carries what the vendor needs to accept a stream.
type OpenRequest struct {
	// SessionID doubles as the vendor request id.
	SessionID   string
	UserID      string
	Credentials settings.Credentials
	Audio       AudioFormat
}

// Event is one item received from the vendor. Exactly one of Response or
// Err is meaningful.
type Event struct {
	Response frames.Response
	Err      error
}

// Stream is one open vendor connection.
type Stream interface {
	// Send writes an already encoded frame.
	Send(frame []byte) error
	// Events is closed when the connection stops reading.
	Events() <-chan Event
	// Close is safe to call more than once.
	Close() error
}

// Connector opens vendor streams. Each call makes a single attempt.
type Connector interface {
	Open(ctx context.Context, req OpenRequest) (Stream, error)
}

// ConfigFrame is the initial JSON configuration sent on every new stream.
type ConfigFrame struct {
	App     ConfigApp     `json:"app"`
	User    ConfigUser    `json:"user"`
	Audio   ConfigAudio   `json:"audio"`
	Request ConfigRequest `json:"request"`
}

type ConfigApp struct {
	AppID string `json:"appid"`
}

type ConfigUser struct {
	UID string `json:"uid,omitempty"`
}

type ConfigAudio struct {
	Format   string `json:"format"`
	Codec    string `json:"codec"`
	Rate     int    `json:"rate"`
	Bits     int    `json:"bits"`
	Channel  int    `json:"channel"`
	Language string `json:"language,omitempty"`
}

type ConfigRequest struct {
	ReqID    string `json:"reqid"`
	Sequence int    `json:"sequence"`
}

// ConfigSequence is the sequence number carried by the configuration frame.
const ConfigSequence = 1

// NewConfigFrame builds the configuration payload for req.
func NewConfigFrame(req OpenRequest) ConfigFrame {
	audio := req.Audio.WithDefaults()
	return ConfigFrame{
		App:  ConfigApp{AppID: req.Credentials.AppID},
		User: ConfigUser{UID: req.UserID},
		Audio: ConfigAudio{
			Format:   audio.Format,
			Codec:    audio.Codec,
			Rate:     audio.Rate,
			Bits:     audio.Bits,
			Channel:  audio.Channels,
			Language: audio.Language,
		},
		Request: ConfigRequest{ReqID: req.SessionID, Sequence: ConfigSequence},
	}
}
