package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dratasich/signalk-go-client-sdk/events"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []any
	err  error
}

func (s *recordingSender) Send(ctx context.Context, msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *recordingSender) last() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[len(s.msgs)-1]
}

func paths(msg events.SubscribeMessage) []string {
	var out []string
	for _, s := range msg.Subscribe {
		out = append(out, s.Path)
	}
	return out
}

func TestIdempotentResubscription(t *testing.T) {
	// arrange
	sender := &recordingSender{}
	tr := NewTracker(sender, Options{Period: 1000})
	ctx := context.Background()

	// act
	sent1, err := tr.SetRequiredPaths(ctx, []string{"navigation.speedOverGround", "environment.depth.belowKeel"})
	require.NoError(t, err)
	sent2, err := tr.SetRequiredPaths(ctx, []string{"environment.depth.belowKeel", "navigation.speedOverGround", "navigation.speedOverGround"})
	require.NoError(t, err)

	// assert
	assert.True(t, sent1)
	assert.False(t, sent2)
	assert.Equal(t, 1, sender.count())
	msg := sender.last().(events.SubscribeMessage)
	assert.Equal(t, events.ContextSelf, msg.Context)
	assert.Equal(t, []string{"environment.depth.belowKeel", "navigation.speedOverGround"}, paths(msg))
	assert.Equal(t, 1000, msg.Subscribe[0].Period)
	assert.Equal(t, events.FormatDelta, msg.Subscribe[0].Format)
	assert.Equal(t, events.PolicyIdeal, msg.Subscribe[0].Policy)
}

func TestFullListOnChange(t *testing.T) {
	sender := &recordingSender{}
	tr := NewTracker(sender, Options{})
	ctx := context.Background()

	_, _ = tr.SetRequiredPaths(ctx, []string{"a", "b"})
	sent, err := tr.SetRequiredPaths(ctx, []string{"a", "b", "c"})

	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, 2, sender.count())
	assert.Equal(t, []string{"a", "b", "c"}, paths(sender.last().(events.SubscribeMessage)), "the complete list, not a delta")
	assert.Equal(t, []string{"a", "b", "c"}, tr.Active())
}

func TestUnsubscribeNamesRemovedPaths(t *testing.T) {
	sender := &recordingSender{}
	tr := NewTracker(sender, Options{})
	ctx := context.Background()
	_, _ = tr.SetRequiredPaths(ctx, []string{"a", "b", "c"})

	err := tr.Unsubscribe(ctx, []string{"c", "a", "not-subscribed"})

	require.NoError(t, err)
	msg := sender.last().(events.UnsubscribeMessage)
	assert.Equal(t, []events.Unsubscription{{Path: "a"}, {Path: "c"}}, msg.Unsubscribe)
	assert.Equal(t, []string{"b"}, tr.Active())

	// nothing removed, nothing sent
	require.NoError(t, tr.Unsubscribe(ctx, []string{"x"}))
	assert.Equal(t, 2, sender.count())
}

func TestEmptySetUnsubscribesAll(t *testing.T) {
	sender := &recordingSender{}
	tr := NewTracker(sender, Options{})
	ctx := context.Background()
	_, _ = tr.SetRequiredPaths(ctx, []string{"a"})

	sent, err := tr.SetRequiredPaths(ctx, nil)

	require.NoError(t, err)
	assert.True(t, sent)
	msg := sender.last().(events.UnsubscribeMessage)
	assert.Equal(t, "*", msg.Unsubscribe[0].Path)
}

func TestWildcardMode(t *testing.T) {
	// arrange
	sender := &recordingSender{}
	tr := NewTracker(sender, Options{Mode: ModeWildcard})
	ctx := context.Background()
	var seen []string
	tr.OnChange(func(p []string) { seen = p })

	// act
	_, _ = tr.SetRequiredPaths(ctx, []string{"a"})
	_, _ = tr.SetRequiredPaths(ctx, []string{"a", "b"})

	// assert
	assert.Equal(t, 1, sender.count(), "one wildcard subscription per connection")
	msg := sender.last().(events.SubscribeMessage)
	assert.Equal(t, []string{"*"}, paths(msg))
	assert.Equal(t, []string{"a", "b"}, seen, "required set is still tracked")

	// act: reconnect
	tr.ConnectionLost()
	require.NoError(t, tr.Resubscribe(ctx))

	// assert
	assert.Equal(t, 2, sender.count())
}

func TestResubscribe(t *testing.T) {
	sender := &recordingSender{}
	tr := NewTracker(sender, Options{})
	ctx := context.Background()

	require.NoError(t, tr.Resubscribe(ctx))
	assert.Equal(t, 0, sender.count(), "nothing to resubmit")

	_, _ = tr.SetRequiredPaths(ctx, []string{"b", "a"})
	tr.ConnectionLost()
	require.NoError(t, tr.Resubscribe(ctx))

	assert.Equal(t, 2, sender.count())
	assert.Equal(t, []string{"a", "b"}, paths(sender.last().(events.SubscribeMessage)))
}

var errOffline = errors.New("not connected")

func TestSendFailureKeepsRequiredSet(t *testing.T) {
	sender := &recordingSender{err: errOffline}
	tr := NewTracker(sender, Options{Offline: func(err error) bool { return errors.Is(err, errOffline) }})
	ctx := context.Background()

	sent, err := tr.SetRequiredPaths(ctx, []string{"a"})

	assert.Error(t, err)
	assert.False(t, sent)
	assert.Equal(t, []string{"a"}, tr.Active(), "resubmitted once connected")

	sender.err = nil
	require.NoError(t, tr.Resubscribe(ctx))
	assert.Equal(t, 1, sender.count())
}

func TestSendErrorRestoresPreviousSet(t *testing.T) {
	// arrange
	sender := &recordingSender{}
	tr := NewTracker(sender, Options{Offline: func(err error) bool { return errors.Is(err, errOffline) }})
	var notified [][]string
	tr.OnChange(func(paths []string) { notified = append(notified, paths) })
	ctx := context.Background()
	_, err := tr.SetRequiredPaths(ctx, []string{"a"})
	require.NoError(t, err)
	sender.err = errors.New("write: broken pipe")

	// act
	sent, err := tr.SetRequiredPaths(ctx, []string{"a", "b"})

	// assert
	assert.Error(t, err)
	assert.False(t, sent)
	assert.Equal(t, []string{"a"}, tr.Active())
	assert.Equal(t, []string{"a"}, notified[len(notified)-1])

	// the same set is sent again once sending works
	sender.err = nil
	sent, err = tr.SetRequiredPaths(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, 2, sender.count())
	assert.Equal(t, []string{"a", "b"}, paths(sender.last().(events.SubscribeMessage)))
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeWildcard, ParseMode("wildcard"))
	assert.Equal(t, ModeExplicit, ParseMode("explicit"))
	assert.Equal(t, ModeExplicit, ParseMode(""))
	assert.Equal(t, "wildcard", ModeWildcard.String())
}
