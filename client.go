// Package signalk is a client SDK keeping a live, unit converted view of a
// Signal K server.
//
// A Client connects the primary stream, subscribes to the paths the
// application currently needs and keeps the latest value of every path in a
// cache. Values are converted to the user's preferred units on read and
// converted back on write.
//
// see also
// - signal k: https://signalk.org/specification/1.7.0/doc/
package signalk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dratasich/signalk-go-client-sdk/ais"
	"github.com/dratasich/signalk-go-client-sdk/cache"
	"github.com/dratasich/signalk-go-client-sdk/channel"
	"github.com/dratasich/signalk-go-client-sdk/connection"
	"github.com/dratasich/signalk-go-client-sdk/events"
	"github.com/dratasich/signalk-go-client-sdk/metrics"
	"github.com/dratasich/signalk-go-client-sdk/notifications"
	"github.com/dratasich/signalk-go-client-sdk/rest"
	"github.com/dratasich/signalk-go-client-sdk/subscription"
	"github.com/dratasich/signalk-go-client-sdk/units"
)

const notificationsPath = "notifications.*"

// Client of a Signal K server
type Client struct {
	cfg     Config
	metrics *metrics.Metrics

	rest    *rest.Client
	cache   *cache.Cache
	units   *units.Engine
	tracker *subscription.Tracker
	router  *notifications.Router
	ais     *ais.Overlay
	mux     *channel.Multiplexer
	manager *connection.Manager

	connOpts []connection.Option

	mu        sync.Mutex
	streamURL string
	// per connection context, cancelled when the connection ends
	session    context.Context
	endSession context.CancelFunc
	polling    bool
	wg         sync.WaitGroup

	notificationsOn bool
	controlPaths    []string
	controlOn       bool
	aisOn           bool

	pendingMu sync.Mutex
	pending   map[string]chan writeResult
}

type writeResult struct {
	resp events.Response
	err  error
}

type Option func(*Client)

// WithMetrics instruments the client
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithConnectionOptions tunes the reconnect behaviour
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(c *Client) { c.connOpts = append(c.connOpts, opts...) }
}

// NewClient wires a client; nothing is connected before Connect
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	c := &Client{
		cfg:     cfg,
		pending: make(map[string]chan writeResult),
	}
	for _, opt := range opts {
		opt(c)
	}

	var fetcher units.SnapshotFetcher
	if cfg.ServerURL != "" {
		r, err := rest.NewClient(cfg.ServerURL, cfg.Token)
		if err != nil {
			return nil, err
		}
		c.rest = r
		fetcher = r
	}

	c.cache = cache.New(cache.WithMetrics(c.metrics))
	c.units = units.NewEngine(fetcher)
	c.router = notifications.NewRouter()
	c.router.SetMetrics(c.metrics)

	c.mux = channel.NewMultiplexer(c.transport)
	c.mux.SetMetrics(c.metrics)
	primary := c.mux.Channel(channel.RolePrimary)
	primary.OnMessage(c.handleMessage)
	primary.OnClose(c.primaryLost)
	if ch := c.mux.Channel(channel.RoleControl); ch != nil {
		ch.OnMessage(c.handleMessage)
	}
	if ch := c.mux.Channel(channel.RoleNotifications); ch != nil {
		ch.OnMessage(c.handleMessage)
	}
	if ch := c.mux.Channel(channel.RoleConversions); ch != nil {
		ch.OnMessage(c.handleConversions)
		ch.OnClose(func(error) { c.startPolling() })
	}

	c.tracker = subscription.NewTracker(primary, subscription.Options{
		Mode:    subscription.ParseMode(cfg.SubscriptionMode),
		Period:  cfg.SubscribePeriod,
		Format:  cfg.SubscribeFormat,
		Policy:  cfg.SubscribePolicy,
		Offline: isOffline,
	})
	c.tracker.SetMetrics(c.metrics)
	c.tracker.OnChange(c.cache.SetRequired)

	if c.rest != nil {
		c.ais = ais.NewOverlay(c.cache, c.rest, primary, ais.WithSettleDelay(cfg.AISSettleDelay))
	}

	connOpts := append([]connection.Option{
		connection.WithPermanentError(isPermanent),
		connection.WithCloseFunc(func() { c.mux.Close(channel.RolePrimary) }),
	}, c.connOpts...)
	c.manager = connection.NewManager(c.connect, connOpts...)
	c.manager.OnConnected(c.onConnected)
	c.manager.OnStateChange(func(_, cur connection.Status) {
		c.metrics.SetConnectionState(int(cur.State))
	})
	c.manager.OnReconnecting(func(int, time.Duration) {
		c.metrics.IncReconnectAttempts()
	})
	return c, nil
}

func isOffline(err error) bool {
	return errors.Is(err, channel.ErrNotOpen)
}

func isPermanent(err error) bool {
	return errors.Is(err, channel.ErrUnauthorized) || errors.Is(err, rest.ErrUnauthorized)
}

// transport of a channel role; only the primary channel is carried by MQTT
func (c *Client) transport(role channel.Role) channel.Transport {
	if c.cfg.Transport == TransportMQTT {
		if role == channel.RolePrimary {
			return &channel.MQTTTransport{Config: c.cfg.MQTT}
		}
		return nil
	}
	dial := c.currentStreamURL
	if role == channel.RoleConversions {
		dial = c.conversionStreamURL
	}
	return &streamTransport{
		url:              dial,
		token:            c.cfg.Token,
		handshakeTimeout: c.cfg.HandshakeTimeout,
		writeTimeout:     c.cfg.WriteTimeout,
	}
}

// streamTransport dials a websocket whose url is only known at connect time
type streamTransport struct {
	url              func() (string, error)
	token            string
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
}

func (t *streamTransport) Dial(ctx context.Context) (channel.Conn, error) {
	u, err := t.url()
	if err != nil {
		return nil, err
	}
	ws := &channel.WebSocketTransport{
		URL:              u,
		Token:            t.token,
		HandshakeTimeout: t.handshakeTimeout,
		WriteTimeout:     t.writeTimeout,
	}
	return ws.Dial(ctx)
}

func (c *Client) currentStreamURL() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamURL == "" {
		return "", errors.New("stream url unknown")
	}
	return c.streamURL, nil
}

func (c *Client) conversionStreamURL() (string, error) {
	if c.cfg.ConversionStreamURL != "" {
		return c.cfg.ConversionStreamURL, nil
	}
	if u := streamURLFromServer(c.cfg.ServerURL, conversionStreamPath); u != "" {
		return u, nil
	}
	return "", errors.New("conversion stream url unknown")
}

// resolveStreamURL returns the configured stream url or asks the server for it
func (c *Client) resolveStreamURL(ctx context.Context) error {
	c.mu.Lock()
	known := c.streamURL != ""
	c.mu.Unlock()
	if known {
		return nil
	}

	u := c.cfg.StreamURL
	if u == "" && c.rest != nil {
		d, err := c.rest.Discover(ctx)
		switch {
		case err == nil && d.StreamURL() != "":
			u = d.StreamURL()
		case errors.Is(err, rest.ErrUnauthorized):
			return err
		default:
			if err != nil {
				log.Warn().Msgf("Discovery failed, using default stream url: %s", err)
			}
			u = streamURLFromServer(c.cfg.ServerURL, streamPath)
		}
	}
	if u == "" {
		return errors.New("no stream url")
	}
	u = withoutSubscription(u)
	log.Info().Msgf("Using stream %s", u)

	c.mu.Lock()
	c.streamURL = u
	c.mu.Unlock()
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	if c.cfg.Transport != TransportMQTT {
		if err := c.resolveStreamURL(ctx); err != nil {
			return err
		}
	}
	return c.mux.Open(ctx, channel.RolePrimary)
}

// Connect connects to the server
//
// A failed connect is retried in the background; see ConnectionState.
func (c *Client) Connect(ctx context.Context) error {
	return c.manager.Connect(ctx)
}

// Disconnect closes all channels, stops all timers and clears all state
func (c *Client) Disconnect() {
	c.manager.Disconnect(true)
	c.stopSession()
	c.mux.CloseAll()
	c.tracker.ConnectionLost()
	c.failPending(ErrNotConnected)
	c.cache.Clear()
	c.units.Clear()
	c.router.Reset()
	c.metrics.SetConversionSpecs(0)
}

// Close disconnects and waits for background work to finish
func (c *Client) Close() {
	c.Disconnect()
	c.manager.Close()
}

func (c *Client) ConnectionState() connection.Status {
	return c.manager.Status()
}

// OnStateChange registers a callback for connection state changes
func (c *Client) OnStateChange(fn func(old, new connection.Status)) {
	c.manager.OnStateChange(fn)
}

// primaryLost runs on the primary read goroutine after an unexpected close
func (c *Client) primaryLost(err error) {
	c.tracker.ConnectionLost()
	c.stopSession()
	for _, role := range []channel.Role{channel.RoleControl, channel.RoleNotifications, channel.RoleConversions} {
		c.mux.Close(role)
	}
	c.failPending(fmt.Errorf("%w: %w", ErrNotConnected, err))
	c.manager.ConnectionLost(err)
}

// startSession returns the context of a new connection, nil once the
// connection already ended again
func (c *Client) startSession() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endSession != nil {
		c.endSession()
	}
	if !c.manager.IsConnected() {
		c.session, c.endSession = nil, nil
		return nil
	}
	c.session, c.endSession = context.WithCancel(context.Background())
	c.polling = false
	return c.session
}

// stopSession cancels the per connection timers and waits for them
func (c *Client) stopSession() {
	c.mu.Lock()
	if c.endSession != nil {
		c.endSession()
	}
	c.session, c.endSession = nil, nil
	c.polling = false
	c.mu.Unlock()
	if c.ais != nil {
		c.ais.Stop()
	}
	c.wg.Wait()
}

// spawn runs fn in the background while the session of ctx is current
func (c *Client) spawn(ctx context.Context, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session != ctx {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// onConnected restores the state of the connection
func (c *Client) onConnected(reconnected bool) {
	ctx := c.startSession()
	if ctx == nil {
		return
	}

	if err := c.tracker.Resubscribe(ctx); err != nil {
		log.Warn().Msgf("Resubscribe failed: %s", err)
	}
	c.seed(ctx)
	if ctx.Err() != nil {
		log.Debug().Msg("Connection ended during setup")
		return
	}

	if c.mux.Channel(channel.RoleConversions) == nil {
		c.startPolling()
	} else if err := c.mux.Open(ctx, channel.RoleConversions); err != nil {
		c.startPolling()
	}

	c.mu.Lock()
	notificationsOn, controlOn, aisOn := c.notificationsOn, c.controlOn, c.aisOn
	controlPaths := c.controlPaths
	c.mu.Unlock()
	if notificationsOn {
		if err := c.subscribeNotifications(ctx); err != nil {
			log.Warn().Msgf("Notifications unavailable: %s", err)
		}
	}
	if controlOn {
		if err := c.subscribeControl(ctx, controlPaths); err != nil {
			log.Warn().Msgf("Control channel unavailable: %s", err)
		}
	}

	if !c.spawn(ctx, func() { c.cache.Run(ctx) }) {
		return
	}

	if aisOn && c.ais != nil {
		if _, err := c.ais.Start(ctx); err != nil {
			log.Warn().Msgf("AIS start: %s", err)
		}
	}
	if reconnected {
		log.Info().Msg("Session restored")
	}
}

// seed loads the conversion metadata and the own vessel tree in parallel
func (c *Client) seed(ctx context.Context) {
	if c.rest == nil {
		return
	}
	var g errgroup.Group
	g.Go(func() error {
		if err := c.units.LoadSnapshot(ctx); err != nil {
			return err
		}
		c.metrics.SetConversionSpecs(c.units.Len())
		return nil
	})
	g.Go(func() error {
		n, err := c.loadSelf(ctx)
		if err != nil {
			return err
		}
		log.Debug().Msgf("Seeded %d own vessel values", n)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Warn().Msgf("Initial snapshot incomplete: %s", err)
	}
}

func (c *Client) loadSelf(ctx context.Context) (int, error) {
	tree, err := c.rest.FetchSelf(ctx)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	for _, leaf := range events.Flatten(tree) {
		c.cache.Store(cache.DataPoint{
			Path:             leaf.Path,
			Context:          events.ContextSelf,
			Source:           leaf.Source,
			Value:            leaf.Value,
			Timestamp:        leaf.Timestamp,
			FromSnapshotLoad: true,
		})
		n++
	}
	return n, nil
}

// startPolling polls the conversion snapshot while the conversion stream is
// unavailable
func (c *Client) startPolling() {
	c.mu.Lock()
	ctx := c.session
	if ctx == nil || c.polling || c.rest == nil || c.cfg.ConversionPollInterval <= 0 {
		c.mu.Unlock()
		return
	}
	c.polling = true
	c.mu.Unlock()

	log.Info().Msgf("Polling conversions every %s", c.cfg.ConversionPollInterval)
	c.spawn(ctx, func() {
		ticker := time.NewTicker(c.cfg.ConversionPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.units.LoadSnapshot(ctx); err != nil {
					log.Warn().Msgf("Conversion poll failed: %s", err)
					continue
				}
				c.metrics.SetConversionSpecs(c.units.Len())
			}
		}
	})
}

func (c *Client) handleConversions(data []byte) {
	c.units.HandleMessage(data)
	c.metrics.SetConversionSpecs(c.units.Len())
}

// handleMessage dispatches a message of the primary, control or
// notification stream
func (c *Client) handleMessage(data []byte) {
	in, err := events.ParseInbound(data)
	if err != nil {
		log.Warn().Msgf("Dropping malformed message: %s", err)
		c.metrics.IncDropped("malformed")
		return
	}
	switch in.Kind() {
	case events.InboundHello:
		c.handleHello(in.Hello)
	case events.InboundDelta:
		c.handleDelta(&in.Delta)
	case events.InboundResponse:
		c.resolve(in.Response)
	default:
		log.Debug().Msgf("Ignoring message %s", data)
		c.metrics.IncDropped("unknown")
	}
}

func (c *Client) handleHello(h events.Hello) {
	self := h.SelfContext()
	log.Info().Msgf("Connected to %s %s (self %s)", h.Name, h.Version, self)
	if self != "" {
		c.cache.SetSelf(self)
	}
}

func (c *Client) handleDelta(d *events.Delta) {
	for _, u := range d.Updates {
		source := u.SourceLabel()
		for _, pv := range u.Values {
			if pv.Path == "" {
				// values of the vessel root, e.g. name and mmsi
				if m, ok := pv.Value.Object(); ok {
					for k, v := range m {
						c.cache.Store(cache.DataPoint{
							Path:      k,
							Context:   d.Context,
							Source:    source,
							Value:     events.ValueOf(v),
							Timestamp: u.Timestamp,
						})
					}
				}
				continue
			}
			p := cache.DataPoint{
				Path:      pv.Path,
				Context:   d.Context,
				Source:    source,
				Value:     pv.Value,
				Timestamp: u.Timestamp,
			}
			if cv := pv.Converted; cv != nil {
				if f, ok := cv.Value.Float(); ok {
					p.Converted = &f
				}
				p.Formatted = cv.Formatted
				p.UnitSymbol = cv.Symbol
				p.Original = cv.Original
			}
			c.cache.Store(p)
		}
	}
	c.router.HandleDelta(d)
}

// SetRequiredPaths sets the paths the application currently needs
//
// Returns whether a subscription message was sent. While disconnected the
// paths are remembered and subscribed on connect.
func (c *Client) SetRequiredPaths(ctx context.Context, paths []string) (bool, error) {
	sent, err := c.tracker.SetRequiredPaths(ctx, paths)
	if isOffline(err) {
		return false, nil
	}
	return sent, err
}

// GetValue returns the last value of an own vessel path
func (c *Client) GetValue(path, source string) (cache.DataPoint, bool) {
	return c.cache.Get(path, source)
}

// GetConvertedValue returns the value of a path in display units
func (c *Client) GetConvertedValue(path string) (float64, bool) {
	p, ok := c.cache.Get(path, "")
	if !ok {
		return 0, false
	}
	if p.Converted != nil {
		return *p.Converted, true
	}
	raw, ok := p.Value.Float()
	if !ok {
		return 0, false
	}
	v, err := c.units.Convert(path, raw)
	if err != nil {
		log.Debug().Msgf("%s", err)
		return raw, true
	}
	return v, true
}

// GetFormattedValue returns the value of a path rendered in display units,
// e.g. `7.0 kn`; empty if unknown
func (c *Client) GetFormattedValue(path string) string {
	p, ok := c.cache.Get(path, "")
	if !ok {
		return ""
	}
	if p.Formatted != "" {
		return p.Formatted
	}
	if p.Converted != nil {
		return c.units.FormatNumber(path, *p.Converted)
	}
	return c.units.Format(path, p.Value)
}

// GetUnitSymbol returns the display unit symbol of a path
func (c *Client) GetUnitSymbol(path string) string {
	if p, ok := c.cache.Get(path, ""); ok && p.UnitSymbol != "" {
		return p.UnitSymbol
	}
	symbol, _ := c.units.SymbolFor(path)
	return symbol
}

// IsDataFresh reports whether the value of a path is younger than ttl
func (c *Client) IsDataFresh(path, source string, ttl time.Duration) bool {
	return c.cache.IsFresh(path, source, ttl)
}

// Snapshot of all cached values
func (c *Client) Snapshot() map[string]cache.DataPoint {
	return c.cache.Snapshot()
}

// Vessels returns the contexts of other vessels in the cache
func (c *Client) Vessels() []string {
	return c.cache.Vessels()
}

// Notifications returns a stream of notification state changes and a
// function ending it
func (c *Client) Notifications(buffer int) (<-chan events.Notification, func()) {
	return c.router.Subscribe(buffer)
}

// EnableNotifications subscribes to all notifications of the own vessel on
// the notification channel (or the primary channel if there is none)
func (c *Client) EnableNotifications(ctx context.Context) error {
	c.mu.Lock()
	c.notificationsOn = true
	c.mu.Unlock()
	if !c.manager.IsConnected() {
		return nil
	}
	return c.subscribeNotifications(ctx)
}

func (c *Client) subscribeNotifications(ctx context.Context) error {
	ch, err := c.auxiliary(ctx, channel.RoleNotifications)
	if err != nil {
		return err
	}
	return ch.Send(ctx, events.SubscribeMessage{
		Context: events.ContextSelf,
		Subscribe: []events.Subscription{{
			Path:   notificationsPath,
			Format: events.FormatDelta,
			Policy: events.PolicyInstant,
		}},
	})
}

// DisableNotifications closes the notification channel and forgets all
// notification states
func (c *Client) DisableNotifications() {
	c.mu.Lock()
	c.notificationsOn = false
	c.mu.Unlock()
	if c.mux.Channel(channel.RoleNotifications) != nil {
		c.mux.Close(channel.RoleNotifications)
	} else if c.manager.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		defer cancel()
		err := c.mux.Channel(channel.RolePrimary).Send(ctx, events.UnsubscribeMessage{
			Context:     events.ContextSelf,
			Unsubscribe: []events.Unsubscription{{Path: notificationsPath}},
		})
		if err != nil {
			log.Warn().Msgf("Failed to unsubscribe notifications: %s", err)
		}
	}
	c.router.Reset()
}

// EnableControl opens the control channel and subscribes to the given
// actuator paths; writes are sent on it from now on
func (c *Client) EnableControl(ctx context.Context, paths []string) error {
	c.mu.Lock()
	c.controlOn = true
	c.controlPaths = append([]string(nil), paths...)
	c.mu.Unlock()
	if !c.manager.IsConnected() {
		return nil
	}
	return c.subscribeControl(ctx, paths)
}

func (c *Client) subscribeControl(ctx context.Context, paths []string) error {
	ch, err := c.auxiliary(ctx, channel.RoleControl)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}
	msg := events.SubscribeMessage{Context: events.ContextSelf}
	for _, p := range paths {
		msg.Subscribe = append(msg.Subscribe, events.Subscription{
			Path:   p,
			Format: events.FormatDelta,
			Policy: events.PolicyInstant,
		})
	}
	return ch.Send(ctx, msg)
}

// auxiliary opens the channel of a role, falling back to the primary channel
// if the transport has none
func (c *Client) auxiliary(ctx context.Context, role channel.Role) (*channel.Channel, error) {
	ch := c.mux.Channel(role)
	if ch == nil {
		return c.mux.Channel(channel.RolePrimary), nil
	}
	if err := c.mux.Open(ctx, role); err != nil {
		return nil, err
	}
	return ch, nil
}

// StartAIS loads and subscribes to the other vessels
//
// The overlay is started once per connection; it is restarted after a
// reconnect. Returns whether it was started by this call.
func (c *Client) StartAIS(ctx context.Context) (bool, error) {
	if c.ais == nil {
		return false, errors.New("AIS requires the REST api")
	}
	c.mu.Lock()
	c.aisOn = true
	session := c.session
	c.mu.Unlock()
	if session == nil || !c.manager.IsConnected() {
		return false, nil
	}
	return c.ais.Start(session)
}

// SendWrite writes a value to an actuator path
//
// Numeric values are given in display units, in unit if set, and converted
// to SI before sending. The write is acknowledged by the server or fails
// with a *WriteError; it is never retried.
func (c *Client) SendWrite(ctx context.Context, path string, value any, unit string) error {
	v, err := c.toSI(path, value, unit)
	if err != nil {
		c.metrics.IncWrites("error")
		return err
	}

	ch := c.writeChannel()
	if ch == nil {
		err = c.restWrite(ctx, path, v)
	} else {
		err = c.streamWrite(ctx, ch, path, v)
	}
	c.metrics.IncWrites(writeResultLabel(err))
	return err
}

func (c *Client) toSI(path string, value any, unit string) (any, error) {
	var display float64
	switch n := value.(type) {
	case float64:
		display = n
	case float32:
		display = float64(n)
	case int:
		display = float64(n)
	case int64:
		display = float64(n)
	default:
		return value, nil
	}
	var si float64
	var err error
	if unit != "" {
		si, err = c.units.ConvertToSIFrom(path, unit, display)
	} else {
		si, err = c.units.ConvertToSI(path, display)
	}
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return si, nil
}

// writeChannel is the control channel if open, else the primary channel
func (c *Client) writeChannel() *channel.Channel {
	if ch := c.mux.Channel(channel.RoleControl); ch != nil && ch.IsOpen() {
		return ch
	}
	if ch := c.mux.Channel(channel.RolePrimary); ch.IsOpen() {
		return ch
	}
	return nil
}

func (c *Client) streamWrite(ctx context.Context, ch *channel.Channel, path string, value any) error {
	id := uuid.NewString()
	results := make(chan writeResult, 4)
	c.pendingMu.Lock()
	c.pending[id] = results
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	msg := events.PutMessage{
		Context:   events.ContextSelf,
		RequestID: id,
		Put:       events.PutValue{Path: path, Value: value},
	}
	if err := ch.Send(ctx, msg); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	timeout := time.NewTimer(c.cfg.WriteTimeout)
	defer timeout.Stop()
	for {
		select {
		case r := <-results:
			if r.err != nil {
				return fmt.Errorf("write %s: %w", path, r.err)
			}
			switch {
			case r.resp.State == events.StatePending:
				log.Debug().Msgf("Write %s pending", path)
				continue
			case r.resp.State == events.StateCompleted && r.resp.StatusCode >= 200 && r.resp.StatusCode < 300:
				log.Info().Msgf("Wrote %v to %s", value, path)
				return nil
			default:
				return &WriteError{Path: path, StatusCode: r.resp.StatusCode, Message: r.resp.Message}
			}
		case <-timeout.C:
			return fmt.Errorf("write %s: %w", path, ErrWriteTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) restWrite(ctx context.Context, path string, value any) error {
	if c.rest == nil {
		return fmt.Errorf("write %s: %w", path, ErrNotConnected)
	}
	err := c.rest.Put(ctx, path, value)
	var se *rest.StatusError
	if errors.As(err, &se) {
		return &WriteError{Path: path, StatusCode: se.StatusCode, Message: se.Message}
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// resolve hands a response to the write waiting for it
func (c *Client) resolve(resp events.Response) {
	c.pendingMu.Lock()
	results, ok := c.pending[resp.RequestID]
	c.pendingMu.Unlock()
	if !ok {
		log.Debug().Msgf("Response to unknown request %s", resp.RequestID)
		return
	}
	select {
	case results <- writeResult{resp: resp}:
	default:
		log.Warn().Msgf("Dropping response to request %s", resp.RequestID)
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, results := range c.pending {
		select {
		case results <- writeResult{err: err}:
		default:
		}
		delete(c.pending, id)
	}
}

func writeResultLabel(err error) string {
	var we *WriteError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &we):
		return "rejected"
	case errors.Is(err, ErrWriteTimeout):
		return "timeout"
	default:
		return "error"
	}
}
