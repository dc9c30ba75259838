package changefeed

import (
	"context"

	"github.com/rs/zerolog"
)

// LogPublisher logs each change. It is used when no broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "changefeed").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, c Change) error {
	p.logger.Info().
		Str("op", string(c.Op)).
		Str("path", c.Target()).
		Str("actor", c.Actor).
		Time("at", c.At).
		Msg("tree change")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
