package app

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/antoniostano/agentbridge/internal/config"
	"github.com/antoniostano/agentbridge/internal/upstream"
)

// echoFramesPerTurn is about one second of agent-rate audio at the default
// client chunk size.
const echoFramesPerTurn = 50

type upstreamSetup struct {
	dialer upstream.Dialer
	mode   string
	detail string
}

func resolveUpstream(cfg config.Config, logger zerolog.Logger) (upstreamSetup, error) {
	switch cfg.UpstreamMode {
	case config.UpstreamMock:
		return upstreamSetup{
			dialer: upstream.NewEchoDialer(echoFramesPerTurn),
			mode:   config.UpstreamMock,
			detail: "local echo agent",
		}, nil
	case config.UpstreamLive:
		if cfg.APIKey == "" {
			// Sessions fail with a configuration error until a key is set;
			// the server still starts so health and knowledge endpoints work.
			logger.Warn().Msg("upstream api key is not set; voice sessions will be rejected")
		}
		d := upstream.NewWSDialer(upstream.WSDialerConfig{
			URL:              cfg.UpstreamURL,
			APIKey:           cfg.APIKey,
			HandshakeTimeout: cfg.HandshakeTimeout,
			DialAttempts:     cfg.DialAttempts,
		}, logger)
		return upstreamSetup{
			dialer: d,
			mode:   config.UpstreamLive,
			detail: cfg.UpstreamURL,
		}, nil
	default:
		return upstreamSetup{}, fmt.Errorf("unknown upstream mode %q", cfg.UpstreamMode)
	}
}
