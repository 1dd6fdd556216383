package gena

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mash-protocol/upnp-bridge/pkg/version"
)

// Client issues GENA requests on behalf of Subscriptions.
type Client struct {
	server         *CallbackServer
	http           *http.Client
	clock          clock.Clock
	logger         zerolog.Logger
	lease          time.Duration
	requestTimeout time.Duration
	advertiseHost  string
	onPanic        func(name string, value any, stack []byte)

	inflight sync.WaitGroup
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLease sets the requested subscription timeout.
func WithLease(d time.Duration) ClientOption {
	return func(c *Client) { c.lease = d }
}

// WithRequestTimeout bounds each GENA request.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.requestTimeout = d }
}

// WithAdvertiseHost fixes the host placed in CALLBACK URLs.
func WithAdvertiseHost(host string) ClientOption {
	return func(c *Client) { c.advertiseHost = host }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithClock replaces the clock driving lease renewal.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithPanicHandler reports a panic in a renewal loop, including the
// handlers it calls, to fn instead of crashing the process.
func WithPanicHandler(fn func(name string, value any, stack []byte)) ClientOption {
	return func(c *Client) { c.onPanic = fn }
}

// NewClient returns a Client whose subscriptions receive NOTIFY requests
// through server.
func NewClient(server *CallbackServer, opts ...ClientOption) *Client {
	c := &Client{
		server:         server,
		http:           &http.Client{},
		clock:          clock.New(),
		logger:         zerolog.Nop(),
		lease:          DefaultLease,
		requestTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe opens a subscription on eventURL and starts its renewal loop.
// The returned subscription has a SID; a response without one fails with
// ErrNoSubscriptionID.
func (c *Client) Subscribe(ctx context.Context, eventURL string) (*Subscription, error) {
	target, err := url.Parse(eventURL)
	if err != nil {
		return nil, &Error{Op: OpSubscribe, EventURL: eventURL, Err: err}
	}
	if c.server.Port() == 0 {
		return nil, &Error{Op: OpSubscribe, EventURL: eventURL, Err: ErrServerNotStarted}
	}

	sub := &Subscription{
		client:   c,
		token:    uuid.NewString(),
		eventURL: target,
		stop:     make(chan struct{}),
	}

	// Register before the request so the initial event, which devices send
	// right after answering SUBSCRIBE, is buffered rather than rejected.
	c.server.register(sub.token, sub)

	sid, timeout, err := c.subscribe(ctx, target, sub.token)
	if err != nil {
		c.server.unregister(sub.token)
		return nil, &Error{Op: OpSubscribe, EventURL: eventURL, Err: err}
	}

	sub.mu.Lock()
	sub.sid = sid
	sub.timeout = timeout
	sub.mu.Unlock()
	sub.startRenewal()

	c.logger.Debug().
		Str("event_url", eventURL).
		Str("sid", sid).
		Dur("timeout", timeout).
		Msg("subscribed")
	return sub, nil
}

// Drain waits up to timeout for fire-and-forget requests issued by Cancel.
// It reports whether every request finished.
func (c *Client) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *Client) callbackURL(target *url.URL, token string) (string, error) {
	host := c.advertiseHost
	if host == "" {
		var err error
		host, err = localAddrFor(target)
		if err != nil {
			return "", err
		}
	}
	port := strconv.Itoa(c.server.Port())
	return "http://" + net.JoinHostPort(host, port) + "/notify/" + token, nil
}

// localAddrFor returns the local IP the kernel would use to reach target.
// No packets are sent for a UDP dial.
func localAddrFor(target *url.URL) (string, error) {
	port := target.Port()
	if port == "" {
		port = "80"
	}
	conn, err := net.Dial("udp", net.JoinHostPort(target.Hostname(), port))
	if err != nil {
		return "", fmt.Errorf("resolve callback host: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func (c *Client) subscribe(ctx context.Context, target *url.URL, token string) (string, time.Duration, error) {
	callback, err := c.callbackURL(target, token)
	if err != nil {
		return "", 0, err
	}
	headers := map[string]string{
		"CALLBACK": "<" + callback + ">",
		"NT":       NTEvent,
		"TIMEOUT":  formatTimeout(c.lease),
	}
	return c.doSubscribe(ctx, target, headers)
}

func (c *Client) renew(ctx context.Context, target *url.URL, sid string) (string, time.Duration, error) {
	headers := map[string]string{
		"SID":     sid,
		"TIMEOUT": formatTimeout(c.lease),
	}
	return c.doSubscribe(ctx, target, headers)
}

func (c *Client) doSubscribe(ctx context.Context, target *url.URL, headers map[string]string) (string, time.Duration, error) {
	resp, err := c.do(ctx, "SUBSCRIBE", target, headers)
	if err != nil {
		return "", 0, err
	}
	sid := resp.Header.Get("SID")
	if sid == "" {
		// Renewal responses may omit SID; the caller keeps the old one.
		if old, ok := headers["SID"]; ok {
			sid = old
		} else {
			return "", 0, ErrNoSubscriptionID
		}
	}
	return sid, parseTimeout(resp.Header.Get("TIMEOUT"), c.lease), nil
}

func (c *Client) unsubscribe(ctx context.Context, target *url.URL, sid string) error {
	_, err := c.do(ctx, "UNSUBSCRIBE", target, map[string]string{"SID": sid})
	return err
}

func (c *Client) do(ctx context.Context, method string, target *url.URL, headers map[string]string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		// GENA headers are sent verbatim; some devices match them case-sensitively.
		req.Header[k] = []string{v}
	}

	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}

// fire sends UNSUBSCRIBE in the background, tracked for Drain.
func (c *Client) fire(target *url.URL, sid string) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		if err := c.unsubscribe(context.Background(), target, sid); err != nil {
			c.logger.Debug().Err(err).Str("sid", sid).Msg("unsubscribe failed")
		}
	}()
}

// recoverPanic must be deferred directly. Without a handler the panic
// propagates.
func (c *Client) recoverPanic(name string) {
	r := recover()
	if r == nil {
		return
	}
	if c.onPanic == nil {
		panic(r)
	}
	c.onPanic(name, r, debug.Stack())
}
