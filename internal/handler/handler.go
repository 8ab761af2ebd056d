// Package handler is the top-level entry for inbound fleet messages.
// It resolves a component's API version, buffers messages that arrive
// before the identity does, and delegates everything else to the
// version-specific dispatcher.
package handler

import (
	"context"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/glowbound/fleetcore/internal/dispatch"
	"github.com/glowbound/fleetcore/internal/locks"
	"github.com/glowbound/fleetcore/internal/packets"
	"github.com/glowbound/fleetcore/internal/regcache"
	"github.com/glowbound/fleetcore/pkg/events"
	"github.com/glowbound/fleetcore/pkg/models"
)

const (
	// defaultDrainBudget bounds how long one identity arrival may spend
	// replaying buffered messages.
	defaultDrainBudget = 3 * time.Second
	defaultLockWait    = 10 * time.Second
)

// Shell receives every inbound (componentID, topic, payload) triple
// from the transport.
type Shell struct {
	cache      regcache.Cache
	locker     locks.Locker
	bus        *events.Bus
	dispatcher *dispatch.Dispatcher

	drainBudget time.Duration
	lockWait    time.Duration
	tracer      trace.Tracer
}

// Option adjusts shell timing, mainly for tests.
type Option func(*Shell)

// WithDrainBudget overrides the pending-drain wall-clock budget.
func WithDrainBudget(d time.Duration) Option {
	return func(s *Shell) { s.drainBudget = d }
}

// WithLockWait overrides the bound on lock acquisition.
func WithLockWait(d time.Duration) Option {
	return func(s *Shell) { s.lockWait = d }
}

func New(cache regcache.Cache, locker locks.Locker, bus *events.Bus, dispatcher *dispatch.Dispatcher, opts ...Option) *Shell {
	s := &Shell{
		cache:       cache,
		locker:      locker,
		bus:         bus,
		dispatcher:  dispatcher,
		drainBudget: defaultDrainBudget,
		lockWait:    defaultLockWait,
		tracer:      otel.Tracer("fleetcore/handler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleMessage processes one inbound message. It never returns an
// error: every failure is logged and the message abandoned, so a bad
// component cannot take the listener down.
func (s *Shell) HandleMessage(ctx context.Context, componentID, topic string, payload []byte) {
	ctx, span := s.tracer.Start(ctx, "ingest.HandleMessage",
		trace.WithAttributes(
			attribute.String("component.id", componentID),
			attribute.String("mqtt.topic", topic),
		))
	defer span.End()

	s.bus.PublishReceived(events.ReceivedMessage{
		ComponentID: componentID,
		Topic:       topic,
		Payload:     slices.Clone(payload),
	})

	// The version read and the buffering decision happen under the
	// system lock so they cannot interleave with an identity arrival
	// draining the buffer.
	var (
		version  models.ApiVersion
		known    bool
		buffered bool
	)
	err := s.withSystemLock(ctx, componentID, func() error {
		var err error
		version, known, err = s.cache.GetApiVersion(ctx, componentID)
		if err != nil {
			return err
		}
		if !known && !dispatch.IsIdentityTopic(topic) {
			buffered = true
			return s.cache.CachePendingMessage(ctx, componentID, topic, payload)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("component", componentID).Str("topic", topic).
			Msg("api version resolution failed, message dropped")
		return
	}
	if buffered {
		log.Debug().Str("component", componentID).Str("topic", topic).
			Msg("message buffered until identity arrives")
		return
	}

	if known {
		if !version.Supported() {
			log.Warn().Str("component", componentID).Int("api_ver", int(version)).
				Msg("unsupported api version, message dropped")
			return
		}
		s.dispatch(ctx, componentID, topic, payload)
		return
	}

	// Version unknown and this is the identity topic. An empty payload
	// is the will message and resolves nothing; otherwise the version
	// is extracted first so an unsupported component never reaches the
	// dispatcher.
	if len(payload) > 0 {
		v, err := packets.ParseApiVersion(payload)
		if err != nil {
			log.Warn().Err(err).Str("component", componentID).
				Msg("identity payload unparsable, message dropped")
			return
		}
		if !v.Supported() {
			// Remember the version so later messages drop cheaply.
			if cacheErr := s.withSystemLock(ctx, componentID, func() error {
				return s.cache.CacheApiVersion(ctx, componentID, v)
			}); cacheErr != nil {
				log.Error().Err(cacheErr).Str("component", componentID).
					Msg("cache unsupported api version")
			}
			log.Warn().Str("component", componentID).Int("api_ver", int(v)).
				Msg("unsupported api version announced, messages will be dropped")
			return
		}
	}

	s.dispatch(ctx, componentID, topic, payload)
	s.drainPending(ctx, componentID)
}

func (s *Shell) dispatch(ctx context.Context, componentID, topic string, payload []byte) {
	if err := s.dispatcher.Dispatch(ctx, componentID, topic, payload); err != nil {
		log.Warn().Err(err).Str("component", componentID).Str("topic", topic).
			Msg("message abandoned")
	}
}

// drainPending replays messages buffered before the identity arrived,
// in FIFO order, within the drain budget. Past the budget the rest of
// the queue is dropped so a flood cannot wedge the shell.
func (s *Shell) drainPending(ctx context.Context, componentID string) {
	deadline := time.Now().Add(s.drainBudget)
	for {
		if time.Now().After(deadline) {
			dropped := 0
			for {
				msg, err := s.cache.NextPendingMessage(ctx, componentID)
				if err != nil || msg == nil {
					break
				}
				dropped++
			}
			if dropped > 0 {
				log.Warn().Str("component", componentID).Int("dropped", dropped).
					Msg("pending drain exceeded budget, queue dropped")
			}
			return
		}

		msg, err := s.cache.NextPendingMessage(ctx, componentID)
		if err != nil {
			log.Error().Err(err).Str("component", componentID).
				Msg("pending drain aborted")
			return
		}
		if msg == nil {
			return
		}
		s.dispatch(ctx, componentID, msg.Topic, msg.Payload)
	}
}

func (s *Shell) withSystemLock(ctx context.Context, componentID string, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	key := locks.Key(string(models.SourceSystem), componentID)
	return locks.WithLocks(ctx, s.locker, []string{key}, fn)
}
