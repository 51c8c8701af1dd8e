// Package subscription keeps the set of subscribed paths in sync with the
// paths the application currently needs.
//
// Recomputing the required paths is cheap and happens on every UI change;
// the tracker only talks to the server if the set actually changed.
package subscription

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dratasich/signalk-go-client-sdk/events"
)

// Mode of subscribing
type Mode uint8

const (
	// ModeExplicit subscribes to the enumerated list of required paths
	ModeExplicit Mode = iota
	// ModeWildcard subscribes once to all paths (`*`)
	ModeWildcard
)

func (m Mode) String() string {
	if m == ModeWildcard {
		return "wildcard"
	}
	return "explicit"
}

// ParseMode parses "explicit" or "wildcard"; anything else is explicit
func ParseMode(s string) Mode {
	if s == "wildcard" {
		return ModeWildcard
	}
	return ModeExplicit
}

// Sender sends a message on the primary channel
type Sender interface {
	Send(ctx context.Context, msg any) error
}

// Listener is notified about the new active set after every change
type Listener func(paths []string)

// Metrics observes outgoing subscription traffic
type Metrics interface {
	IncSubscribeMessages(kind string)
}

type Options struct {
	Mode    Mode
	Context string
	Period  int
	Format  string
	Policy  string
	// Offline reports send errors caused by a missing connection; the set
	// is kept for Resubscribe. Any other send error restores the previous set.
	Offline func(error) bool
}

// Tracker of the active subscription set
type Tracker struct {
	mu     sync.Mutex
	active map[string]struct{}
	// wildcard subscription sent on the current connection
	wildcardSent bool
	// bumped on every change of active
	version uint64

	sender    Sender
	opts      Options
	listeners []Listener
	metrics   Metrics
}

func NewTracker(sender Sender, opts Options) *Tracker {
	if opts.Context == "" {
		opts.Context = events.ContextSelf
	}
	if opts.Format == "" {
		opts.Format = events.FormatDelta
	}
	if opts.Policy == "" {
		opts.Policy = events.PolicyIdeal
	}
	return &Tracker{
		active: make(map[string]struct{}),
		sender: sender,
		opts:   opts,
	}
}

// OnChange registers a listener for changes of the active set
func (t *Tracker) OnChange(fn Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Tracker) SetMetrics(m Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
}

// Mode returns the subscription mode
func (t *Tracker) Mode() Mode {
	return t.opts.Mode
}

// SetRequiredPaths replaces the required paths
//
// If the set equals the active set (order and duplicates do not matter)
// nothing is sent. Otherwise the active set is replaced and one subscribe
// message with the complete list is sent. Returns whether a message was
// sent.
func (t *Tracker) SetRequiredPaths(ctx context.Context, paths []string) (bool, error) {
	requested := toSet(paths)

	t.mu.Lock()
	if setEqual(requested, t.active) {
		t.mu.Unlock()
		return false, nil
	}
	previous := t.active
	t.active = requested
	t.version++
	version := t.version
	list := sortedKeys(requested)
	listeners := append([]Listener(nil), t.listeners...)
	msg, kind := t.message(list)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(list)
	}
	if msg == nil {
		return false, nil
	}
	if err := t.send(ctx, msg, kind); err != nil {
		if t.opts.Offline == nil || !t.opts.Offline(err) {
			t.restore(version, previous, kind)
		}
		return false, err
	}
	log.Debug().Msgf("Subscribed to %d paths (%s)", len(list), t.opts.Mode)
	return true, nil
}

// restore puts back the set replaced by a change whose message could not be
// sent, unless the set changed again meanwhile
func (t *Tracker) restore(version uint64, previous map[string]struct{}, kind string) {
	t.mu.Lock()
	if t.version != version {
		t.mu.Unlock()
		return
	}
	t.active = previous
	t.version++
	if kind == "wildcard" {
		t.wildcardSent = false
	}
	list := sortedKeys(previous)
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(list)
	}
}

// message builds the message for the new active list, nil if nothing to send
func (t *Tracker) message(list []string) (any, string) {
	if t.opts.Mode == ModeWildcard {
		if t.wildcardSent {
			return nil, ""
		}
		t.wildcardSent = true
		return t.wildcard(), "wildcard"
	}
	if len(list) == 0 {
		return events.UnsubscribeMessage{
			Context:     t.opts.Context,
			Unsubscribe: []events.Unsubscription{{Path: "*"}},
		}, "unsubscribe"
	}
	return t.subscribe(list), "subscribe"
}

func (t *Tracker) subscribe(list []string) events.SubscribeMessage {
	msg := events.SubscribeMessage{
		Context:   t.opts.Context,
		Subscribe: make([]events.Subscription, 0, len(list)),
	}
	for _, p := range list {
		msg.Subscribe = append(msg.Subscribe, events.Subscription{
			Path:   p,
			Period: t.opts.Period,
			Format: t.opts.Format,
			Policy: t.opts.Policy,
		})
	}
	return msg
}

func (t *Tracker) wildcard() events.SubscribeMessage {
	return events.SubscribeMessage{
		Context: t.opts.Context,
		Subscribe: []events.Subscription{{
			Path:   "*",
			Period: t.opts.Period,
			Format: t.opts.Format,
			Policy: t.opts.Policy,
		}},
	}
}

// Unsubscribe removes paths from the active set and sends an unsubscribe
// naming exactly the removed paths
func (t *Tracker) Unsubscribe(ctx context.Context, paths []string) error {
	t.mu.Lock()
	var removed []string
	for _, p := range paths {
		if _, ok := t.active[p]; ok {
			delete(t.active, p)
			removed = append(removed, p)
		}
	}
	if len(removed) > 0 {
		t.version++
	}
	list := sortedKeys(t.active)
	listeners := append([]Listener(nil), t.listeners...)
	wildcard := t.opts.Mode == ModeWildcard
	t.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	for _, fn := range listeners {
		fn(list)
	}
	if wildcard {
		return nil
	}
	sort.Strings(removed)
	msg := events.UnsubscribeMessage{Context: t.opts.Context}
	for _, p := range removed {
		msg.Unsubscribe = append(msg.Unsubscribe, events.Unsubscription{Path: p})
	}
	return t.send(ctx, msg, "unsubscribe")
}

// Resubscribe sends the active set again, e.g. after a reconnect
func (t *Tracker) Resubscribe(ctx context.Context) error {
	t.mu.Lock()
	list := sortedKeys(t.active)
	var msg any
	kind := "subscribe"
	switch {
	case t.opts.Mode == ModeWildcard:
		t.wildcardSent = true
		msg, kind = t.wildcard(), "wildcard"
	case len(list) > 0:
		msg = t.subscribe(list)
	}
	t.mu.Unlock()

	if msg == nil {
		return nil
	}
	log.Info().Msgf("Resubscribing to %d paths", len(list))
	return t.send(ctx, msg, kind)
}

// ConnectionLost forgets what was sent on the closed connection while
// keeping the active set for Resubscribe
func (t *Tracker) ConnectionLost() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wildcardSent = false
}

// Active returns the active paths, sorted
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.active)
}

func (t *Tracker) send(ctx context.Context, msg any, kind string) error {
	t.mu.Lock()
	m := t.metrics
	t.mu.Unlock()
	if err := t.sender.Send(ctx, msg); err != nil {
		log.Warn().Msgf("Failed to send %s message: %s", kind, err)
		return err
	}
	if m != nil {
		m.IncSubscribeMessages(kind)
	}
	return nil
}

func toSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if p != "" {
			set[p] = struct{}{}
		}
	}
	return set
}

func setEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
