/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// natsPublisher mirrors broadcasts onto <subject>.<message type>, e.g.
// quiz.events.round-started, for overlays and loggers that should not hold
// a websocket open.
type natsPublisher struct {
	nc      *nats.Conn
	subject string
}

func newNATSPublisher(url, subject string) (*natsPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("quizbox"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &natsPublisher{nc: nc, subject: strings.TrimSuffix(subject, ".")}, nil
}

func (p *natsPublisher) Publish(msgType string, frame []byte) error {
	return p.nc.Publish(eventSubject(p.subject, msgType), frame)
}

func (p *natsPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("NATS drain failed")
	}
}

// eventSubject maps a message type to a NATS subject token. Colons are not
// valid in tokens, so admin:reset-game becomes admin.reset-game.
func eventSubject(prefix, msgType string) string {
	return prefix + "." + strings.ReplaceAll(msgType, ":", ".")
}
