package channel

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Multiplexer owns the four channels of a client
//
// Only the primary channel is essential. Failures to open or unexpected
// closes of the auxiliary channels are logged and never escalated.
type Multiplexer struct {
	channels map[Role]*Channel
}

// NewMultiplexer creates one channel per role; roles for which transport
// returns nil are left out
func NewMultiplexer(transport func(Role) Transport) *Multiplexer {
	m := &Multiplexer{channels: make(map[Role]*Channel, len(Roles))}
	for _, role := range Roles {
		t := transport(role)
		if t == nil {
			continue
		}
		ch := New(role, t)
		if role != RolePrimary {
			r := role
			ch.OnClose(func(err error) {
				log.Warn().Str("role", r.String()).Msgf("Auxiliary channel lost: %s", err)
			})
		}
		m.channels[role] = ch
	}
	return m
}

// Channel returns the channel of a role, nil if not configured
func (m *Multiplexer) Channel(role Role) *Channel {
	return m.channels[role]
}

// Open opens the channel of a role
//
// The error is returned for all roles; for auxiliary roles it is only
// logged here.
func (m *Multiplexer) Open(ctx context.Context, role Role) error {
	ch := m.channels[role]
	if ch == nil {
		return ErrNotOpen
	}
	err := ch.Open(ctx)
	if err != nil && role != RolePrimary {
		log.Warn().Str("role", role.String()).Msgf("Auxiliary channel unavailable: %s", err)
	}
	return err
}

// IsOpen reports whether the channel of a role is open
func (m *Multiplexer) IsOpen(role Role) bool {
	ch := m.channels[role]
	return ch != nil && ch.IsOpen()
}

// Close closes the channel of a role
func (m *Multiplexer) Close(role Role) {
	if ch := m.channels[role]; ch != nil {
		if err := ch.Close(); err != nil {
			log.Debug().Str("role", role.String()).Msgf("Close: %s", err)
		}
	}
}

// CloseAll tears down every channel, auxiliary ones first
func (m *Multiplexer) CloseAll() {
	for i := len(Roles) - 1; i >= 0; i-- {
		m.Close(Roles[i])
	}
}

// SetMetrics attaches metrics to all channels
func (m *Multiplexer) SetMetrics(metrics Metrics) {
	for _, ch := range m.channels {
		ch.SetMetrics(metrics)
	}
}
