package session

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/protocol"
)

// Options tunes a Client or Server.
type Options struct {
	Channels       protocol.ChannelTable
	UpdateRate     time.Duration // poll tick interval
	ConnectTimeout time.Duration // floored at one second
	MaxConnections int           // server only
	Clock          clock.Clock   // nil means the wall clock
}

// DefaultOptions mirrors config.Default().
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig extracts the session tuning from a loaded config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Channels:       cfg.Channels,
		UpdateRate:     cfg.UpdateRate,
		ConnectTimeout: cfg.ConnectTimeout(),
		MaxConnections: cfg.MaxConnections,
	}
}

func (o Options) withDefaults() Options {
	if o.Channels.Len() == 0 {
		o.Channels = protocol.DefaultChannels()
	}
	if o.UpdateRate <= 0 {
		o.UpdateRate = config.DefaultUpdateRateMS * time.Millisecond
	}
	if o.ConnectTimeout < time.Second {
		o.ConnectTimeout = time.Second
	}
	if o.MaxConnections < 1 {
		o.MaxConnections = 1
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}
