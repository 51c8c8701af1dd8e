// Package ais seeds and tracks the other vessels around the own vessel.
//
// The overlay starts at most once per connection: a bulk snapshot of all
// vessels is stored first, and only after a settle delay the live
// subscription for `vessels.*` is sent. The snapshot is refreshed
// periodically without resubscribing.
package ais

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dratasich/signalk-go-client-sdk/cache"
	"github.com/dratasich/signalk-go-client-sdk/events"
)

const (
	// DefaultSettleDelay between the snapshot load and the live subscription
	DefaultSettleDelay = 2 * time.Second
	// DefaultRefreshInterval of the vessel snapshot
	DefaultRefreshInterval = 5 * time.Minute

	livePeriod = 1000  // ms
	namePeriod = 60000 // ms
)

// LivePaths are subscribed for every vessel at the live period
var LivePaths = []string{
	"navigation.position",
	"navigation.courseOverGroundTrue",
	"navigation.speedOverGround",
	"navigation.headingTrue",
}

// snapshotPaths are stored from the bulk snapshot
var snapshotPaths = map[string]struct{}{
	"navigation.position":             {},
	"navigation.courseOverGroundTrue": {},
	"navigation.speedOverGround":      {},
	"navigation.headingTrue":          {},
	"name":                            {},
	"mmsi":                            {},
}

// VesselFetcher fetches the data trees of all vessels keyed by id
type VesselFetcher interface {
	FetchVessels(ctx context.Context) (map[string]any, error)
}

// Sender sends a message on the primary channel
type Sender interface {
	Send(ctx context.Context, msg any) error
}

type Option func(*Overlay)

func WithSettleDelay(d time.Duration) Option {
	return func(o *Overlay) { o.settle = d }
}

func WithRefreshInterval(d time.Duration) Option {
	return func(o *Overlay) { o.refresh = d }
}

// Overlay of other vessels
type Overlay struct {
	cache   *cache.Cache
	fetcher VesselFetcher
	sender  Sender
	settle  time.Duration
	refresh time.Duration

	started    atomic.Bool
	subscribed atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOverlay(c *cache.Cache, fetcher VesselFetcher, sender Sender, opts ...Option) *Overlay {
	o := &Overlay{
		cache:   c,
		fetcher: fetcher,
		sender:  sender,
		settle:  DefaultSettleDelay,
		refresh: DefaultRefreshInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start loads the snapshot and schedules the live subscription
//
// Only the first call per connection does anything; later calls return
// false. A done ctx leaves the overlay armed. A failed snapshot load is
// returned but the live subscription is scheduled anyway.
func (o *Overlay) Start(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !o.started.CompareAndSwap(false, true) {
		log.Debug().Msg("AIS overlay already started")
		return false, nil
	}

	n, err := o.Load(ctx)
	if err != nil {
		log.Warn().Msgf("AIS snapshot failed: %s", err)
	} else {
		log.Info().Msgf("AIS snapshot loaded: %d values", n)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	// the connection ended while loading
	if ctx.Err() != nil {
		o.started.Store(false)
		return false, ctx.Err()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.wg.Add(1)
	go o.run(loopCtx)
	return true, err
}

func (o *Overlay) run(ctx context.Context) {
	defer o.wg.Done()

	settle := time.NewTimer(o.settle)
	defer settle.Stop()
	select {
	case <-ctx.Done():
		return
	case <-settle.C:
	}
	if err := o.sender.Send(ctx, Subscription()); err != nil {
		log.Warn().Msgf("AIS subscription failed: %s", err)
	} else {
		o.subscribed.Store(true)
		log.Info().Msg("AIS subscription sent")
	}

	if o.refresh <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(o.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := o.Load(ctx); err != nil {
				log.Warn().Msgf("AIS refresh failed: %s", err)
			} else {
				log.Debug().Msgf("AIS snapshot refreshed: %d values", n)
			}
		}
	}
}

// Load fetches all vessels and stores their snapshot values
//
// The own vessel is skipped. Returns the number of stored values.
func (o *Overlay) Load(ctx context.Context) (int, error) {
	vessels, err := o.fetcher.FetchVessels(ctx)
	if err != nil {
		return 0, err
	}
	stored := 0
	for id, raw := range vessels {
		tree, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		vesselContext := id
		if !strings.HasPrefix(id, "vessels.") {
			vesselContext = "vessels." + id
		}
		if id == "self" || o.cache.IsSelf(vesselContext) {
			continue
		}
		for _, leaf := range events.Flatten(tree) {
			if _, ok := snapshotPaths[leaf.Path]; !ok {
				continue
			}
			o.cache.Store(cache.DataPoint{
				Path:             leaf.Path,
				Context:          vesselContext,
				Source:           leaf.Source,
				Value:            leaf.Value,
				Timestamp:        leaf.Timestamp,
				FromSnapshotLoad: true,
			})
			stored++
		}
	}
	return stored, nil
}

// Subscription for the live data of all vessels
func Subscription() events.SubscribeMessage {
	msg := events.SubscribeMessage{Context: events.ContextAllVessels}
	for _, p := range LivePaths {
		msg.Subscribe = append(msg.Subscribe, events.Subscription{
			Path:   p,
			Period: livePeriod,
			Format: events.FormatDelta,
			Policy: events.PolicyIdeal,
		})
	}
	msg.Subscribe = append(msg.Subscribe, events.Subscription{
		Path:   "name",
		Period: namePeriod,
		Format: events.FormatDelta,
		Policy: events.PolicyIdeal,
	})
	return msg
}

// Started reports whether the overlay runs for the current connection
func (o *Overlay) Started() bool {
	return o.started.Load()
}

// Subscribed reports whether the live subscription was sent
func (o *Overlay) Subscribed() bool {
	return o.subscribed.Load()
}

// Stop cancels the timers and re-arms the overlay for the next connection
func (o *Overlay) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	o.subscribed.Store(false)
	o.started.Store(false)
}
