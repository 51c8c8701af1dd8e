// Package notifications forwards server notifications on state changes.
package notifications

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dratasich/signalk-go-client-sdk/events"
)

// DefaultBuffer of a subscriber stream
const DefaultBuffer = 16

// Metrics observes emitted notifications
type Metrics interface {
	IncNotifications(state string)
	IncDropped(reason string)
}

// Router deduplicates notifications by context and key and fans them out
//
// A notification is forwarded only if its state differs from the last state
// seen for the same key of the same vessel.
type Router struct {
	mu          sync.Mutex
	last        map[string]string
	subscribers map[int]chan events.Notification
	nextID      int
	metrics     Metrics
}

func NewRouter() *Router {
	return &Router{
		last:        make(map[string]string),
		subscribers: make(map[int]chan events.Notification),
	}
}

func (r *Router) SetMetrics(m Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Subscribe returns a stream of forwarded notifications and a function
// ending the subscription
//
// A subscriber which does not keep up loses notifications.
func (r *Router) Subscribe(buffer int) (<-chan events.Notification, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan events.Notification, buffer)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subscribers[id] = ch
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subscribers, id)
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Handle forwards n if its state changed, returns whether it was forwarded
func (r *Router) Handle(n events.Notification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := lastKey(n.Context, n.Key)
	if prev, ok := r.last[key]; ok && prev == n.State {
		return false
	}
	r.last[key] = n.State

	log.Info().Str("state", n.State).Msgf("Notification %s: %s", n.Key, n.Message)
	if r.metrics != nil {
		r.metrics.IncNotifications(n.State)
	}
	// send under lock so cancel cannot close a channel being written
	for id, ch := range r.subscribers {
		select {
		case ch <- n:
		default:
			log.Warn().Msgf("Subscriber %d too slow, dropping notification %s", id, n.Key)
			if r.metrics != nil {
				r.metrics.IncDropped("notification_subscriber")
			}
		}
	}
	return true
}

// HandleDelta forwards all notification values of a delta
//
// Returns the number of forwarded notifications.
func (r *Router) HandleDelta(d *events.Delta) int {
	forwarded := 0
	for _, u := range d.Updates {
		ts := u.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		for _, pv := range u.Values {
			if !events.IsNotification(pv.Path) {
				continue
			}
			n, err := events.NotificationFromValue(pv.Path, pv.Value, ts)
			if err != nil {
				log.Warn().Msgf("Dropping malformed notification: %s", err)
				r.mu.Lock()
				m := r.metrics
				r.mu.Unlock()
				if m != nil {
					m.IncDropped("malformed_notification")
				}
				continue
			}
			n.Context = d.Context
			if r.Handle(n) {
				forwarded++
			}
		}
	}
	return forwarded
}

// Last returns the last seen state of a key of a vessel context
func (r *Router) Last(context, key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.last[lastKey(context, key)]
	return s, ok
}

func lastKey(context, key string) string {
	return context + "/" + key
}

// Reset forgets all last states; the next notification per key is forwarded
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = make(map[string]string)
}
