// Package client wires the push channel, router, chat store and call
// machine into one handle.
package client

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/tinysip/pkg/api"
	"github.com/tinyland-inc/tinysip/pkg/auth"
	"github.com/tinyland-inc/tinysip/pkg/bus"
	"github.com/tinyland-inc/tinysip/pkg/call"
	"github.com/tinyland-inc/tinysip/pkg/channels"
	"github.com/tinyland-inc/tinysip/pkg/chat"
	"github.com/tinyland-inc/tinysip/pkg/config"
	"github.com/tinyland-inc/tinysip/pkg/dashboard"
	"github.com/tinyland-inc/tinysip/pkg/logger"
	"github.com/tinyland-inc/tinysip/pkg/router"
)

var ErrAlreadyStarted = errors.New("client already started")

type options struct {
	transport http.RoundTripper
	dialer    *websocket.Dialer
	media     call.MediaSink
}

type Option func(*options)

// WithTransport sets the HTTP transport used for request API calls.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithDialer sets the websocket dialer used by the push channel.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithMediaSink routes remote SDP and ICE candidates to the media layer.
func WithMediaSink(s call.MediaSink) Option {
	return func(o *options) { o.media = s }
}

type Client struct {
	cfg     *config.Config
	bus     *bus.EventBus
	router  *router.Router
	channel *channels.Manager
	api     *api.Client
	chat    *chat.Store
	calls   *call.Machine

	mu        sync.Mutex
	cancel    context.CancelFunc
	observing bool
	routerWG  sync.WaitGroup
	syncWG    sync.WaitGroup
	handles   []router.Handle
}

func New(cfg *config.Config, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var apiOpts []api.Option
	if o.transport != nil {
		apiOpts = append(apiOpts, api.WithTransport(o.transport))
	}
	apiClient, err := api.NewClient(cfg.Server.APIBase, cfg.Server.Token, cfg.Request.Timeout.Std(), apiOpts...)
	if err != nil {
		return nil, err
	}

	var chanOpts []channels.Option
	if o.dialer != nil {
		chanOpts = append(chanOpts, channels.WithDialer(o.dialer))
	}
	b := bus.NewEventBus(cfg.Channel.QueueSize)
	manager := channels.NewManager(cfg.Server.WSURL, cfg.Channel, b, chanOpts...)

	callOpts := []call.Option{
		call.WithSignaler(manager),
		call.WithRingTimeout(cfg.Call.RingTimeout.Std()),
	}
	if o.media != nil {
		callOpts = append(callOpts, call.WithMediaSink(o.media))
	}

	c := &Client{
		cfg:     cfg,
		bus:     b,
		router:  router.New(),
		channel: manager,
		api:     apiClient,
		chat:    chat.NewStore(apiClient),
		calls:   call.NewMachine(apiClient, callOpts...),
	}
	c.handles = append(c.handles, c.chat.Register(c.router)...)
	c.handles = append(c.handles, c.calls.Register(c.router)...)
	return c, nil
}

func (c *Client) Chat() *chat.Store { return c.chat }

func (c *Client) Calls() *call.Machine { return c.calls }

func (c *Client) Channel() *channels.Manager { return c.channel }

func (c *Client) Router() *router.Router { return c.router }

func (c *Client) API() *api.Client { return c.api }

// Login exchanges SIP credentials for a session credential.
func (c *Client) Login(ctx context.Context, sipURI, password string) (*auth.Credential, error) {
	resp, err := c.api.Login(ctx, api.LoginRequest{SipURI: sipURI, Password: password})
	if err != nil {
		return nil, err
	}
	cred, err := auth.Parse(resp.Token)
	if err != nil {
		return nil, err
	}
	if cred.UserID == "" {
		cred.UserID = resp.UserID
	}
	return cred, nil
}

// Start connects the push channel with cred and begins dispatching events.
// A failed first dial is not an error: the channel keeps reconnecting in
// the background and reports progress through OnStatus. A credential
// refused by the push channel or the request API is returned as
// *auth.AuthError and nothing is left running.
func (c *Client) Start(ctx context.Context, cred *auth.Credential) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	// Observers are dropped on every Disconnect, so they are registered
	// again after each Stop.
	observe := !c.observing
	c.observing = true
	c.mu.Unlock()

	c.api.SetToken(cred.Token)
	c.chat.SetSelf(cred.UserID)
	c.calls.SetSelf(cred.UserID)

	c.routerWG.Add(1)
	go func() {
		defer c.routerWG.Done()
		c.router.Run(runCtx, c.bus)
	}()

	if observe {
		c.channel.OnStatus(c.onChannelStatus)
	}

	if err := c.channel.Connect(ctx, cred); err != nil {
		var aerr *auth.AuthError
		if errors.As(err, &aerr) {
			// The channel stays FAILED for the caller to inspect.
			c.mu.Lock()
			c.cancel = nil
			c.mu.Unlock()
			cancel()
			c.routerWG.Wait()
			return err
		}
		logger.WarnCF("client", "Push channel not up yet", map[string]any{"error": err.Error()})
	}

	if err := c.chat.RefreshSessions(ctx); err != nil {
		var aerr *auth.AuthError
		if errors.As(err, &aerr) {
			c.Stop()
			return err
		}
		logger.WarnCF("client", "Initial session load failed", map[string]any{"error": err.Error()})
	}
	return nil
}

func (c *Client) onChannelStatus(st channels.Status) {
	switch st.State {
	case channels.StateConnected:
		if st.Reconnected {
			c.resync()
		}
	case channels.StateFailed:
		c.calls.HandleTransportLost()
	}
}

// resync reloads state that may have changed while the channel was down.
// A credential the request API refuses fails the channel; the caller Stops
// and Starts again with a fresh credential.
func (c *Client) resync() {
	c.syncWG.Add(1)
	go func() {
		defer c.syncWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Request.Timeout.Std())
		defer cancel()

		logger.InfoC("client", "Reconnected, reconciling state")
		if err := c.chat.RefreshSessions(ctx); err != nil {
			if c.rejected(err) {
				return
			}
			logger.WarnCF("client", "Session refresh after reconnect failed", map[string]any{"error": err.Error()})
		}
		if err := c.calls.Reconcile(ctx); err != nil {
			if c.rejected(err) {
				return
			}
			logger.WarnCF("client", "Call reconcile after reconnect failed", map[string]any{"error": err.Error()})
		}
	}()
}

// rejected fails the channel when err is a refused credential.
func (c *Client) rejected(err error) bool {
	var aerr *auth.AuthError
	if !errors.As(err, &aerr) {
		return false
	}
	c.channel.Abort(err)
	return true
}

// Stop disconnects the channel, stops dispatch and waits for in-flight
// requests. The client can be started again afterwards.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.observing = false
	c.mu.Unlock()

	c.channel.Disconnect()
	if cancel == nil {
		return
	}
	cancel()
	c.routerWG.Wait()
	c.syncWG.Wait()
	c.chat.Wait()
	c.calls.Wait()
}

// Close stops the client and releases its event queue for good.
func (c *Client) Close() {
	c.Stop()
	for _, h := range c.handles {
		c.router.Unsubscribe(h)
	}
	c.bus.Close()
}

// NewDashboard builds a fallback watcher from the configured transports.
func NewDashboard(cfg *config.Config) (*dashboard.Watcher, error) {
	if cfg.Server.DashboardURL == "" {
		return nil, errors.New("server.dashboard_url is required")
	}
	poller := dashboard.NewPoller(cfg.Server.DashboardURL, cfg.Request.Timeout.Std())

	var sources []dashboard.Source
	if cfg.Fallback.PushEnabled && cfg.Server.DashboardWS != "" {
		sources = append(sources, dashboard.NewPushSource(
			cfg.Server.DashboardWS,
			cfg.Channel.MaxReconnectAttempts,
			cfg.Channel.ReconnectBaseDelay.Std(),
			cfg.Channel.ReconnectMaxDelay.Std(),
		))
	}
	if cfg.Fallback.StreamEnabled && cfg.Server.StreamURL != "" {
		sources = append(sources, dashboard.NewStreamSource(cfg.Server.StreamURL, cfg.Fallback.StreamRetry.Std()))
	}
	sources = append(sources, &dashboard.PollSource{Poller: poller, Interval: cfg.Fallback.PollInterval.Std()})

	return dashboard.NewWatcher(sources, dashboard.WithPoller(poller)), nil
}
