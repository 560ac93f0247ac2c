package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	cidcache "github.com/cidcache/cidcache"
	"github.com/cidcache/cidcache/telemetry"
)

var (
	// ErrNotFound means every gateway reported the content missing.
	ErrNotFound = errors.New("fetch: content not found upstream")

	// ErrUnavailable means no gateway produced the content before
	// retries were exhausted.
	ErrUnavailable = errors.New("fetch: no gateway available")

	// ErrTooLarge means the upstream announced a Content-Length above
	// the configured maximum.
	ErrTooLarge = errors.New("fetch: content exceeds maximum size")
)

const (
	defaultMaxTries             = 3
	defaultResponseHeaderLimit  = 30 * time.Second
	defaultGatewayPauseDuration = 15 * time.Minute
)

// Response is a winning upstream response. The caller owns the body;
// closing it releases the underlying request.
type Response struct {
	Body          io.ReadCloser
	ContentLength int64 // -1 when the gateway did not announce one
	ContentType   string
	Gateway       string
}

// Client fetches content by racing a set of gateways. All configured
// gateways are tried in parallel each round and the first 200 wins.
type Client struct {
	gateways   []string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	maxTries      int
	maxContentLen int64
	pauseDuration time.Duration

	mu     sync.Mutex
	paused map[string]time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithMaxTries caps the number of fan-out rounds.
func WithMaxTries(n int) ClientOption {
	return func(c *Client) {
		c.maxTries = n
	}
}

// WithMaxContentLength rejects responses whose announced length exceeds n.
// Zero means unlimited.
func WithMaxContentLength(n int64) ClientOption {
	return func(c *Client) {
		c.maxContentLen = n
	}
}

// WithGatewayPause sets how long a gateway that answered 429 sits out.
func WithGatewayPause(d time.Duration) ClientOption {
	return func(c *Client) {
		c.pauseDuration = d
	}
}

// WithNowFunc sets the time function for testing.
func WithNowFunc(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates an upstream client over the given gateway base URLs.
func NewClient(gateways []string, opts ...ClientOption) (*Client, error) {
	if len(gateways) == 0 {
		return nil, fmt.Errorf("fetch: at least one gateway is required")
	}

	trimmed := make([]string, len(gateways))
	for i, gw := range gateways {
		trimmed[i] = strings.TrimSuffix(gw, "/")
	}

	c := &Client{
		gateways:      trimmed,
		logger:        slog.Default().With("component", "upstream"),
		now:           time.Now,
		maxTries:      defaultMaxTries,
		pauseDuration: defaultGatewayPauseDuration,
		paused:        make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		transport := &http.Transport{
			ResponseHeaderTimeout: defaultResponseHeaderLimit,
			MaxIdleConnsPerHost:   4,
		}
		c.httpClient = &http.Client{
			Transport: telemetry.NewInstrumentedTransport(transport),
		}
	}

	return c, nil
}

// Fetch retrieves the content for ref, racing all available gateways and
// retrying with exponential backoff between rounds. A unanimous 404 is
// permanent; everything else is retried until the rounds run out.
func (c *Client) Fetch(ctx context.Context, ref cidcache.Ref) (*Response, error) {
	operation := func() (*Response, error) {
		return c.race(ctx, ref)
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(c.maxTries)),
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

type raceOutcome struct {
	idx     int
	resp    *Response
	cancel  context.CancelFunc
	gateway string
	status  int
	err     error
}

// race sends one request per available gateway and returns the first 200.
// Losing requests are cancelled; the winner's cancel fires when its body
// is closed.
func (c *Client) race(ctx context.Context, ref cidcache.Ref) (*Response, error) {
	gateways := c.availableGateways()
	if len(gateways) == 0 {
		return nil, fmt.Errorf("all gateways paused")
	}

	results := make(chan raceOutcome, len(gateways))
	cancels := make([]context.CancelFunc, len(gateways))
	for i, gw := range gateways {
		gctx, gcancel := context.WithCancel(ctx)
		cancels[i] = gcancel
		go c.fetchOne(gctx, i, gw, ref, results)
	}

	notFound := 0
	var lastErr error
	for consumed := 1; consumed <= len(gateways); consumed++ {
		o := <-results
		switch {
		case o.resp != nil:
			if c.maxContentLen > 0 && o.resp.ContentLength > c.maxContentLen {
				_ = o.resp.Body.Close()
				for _, cf := range cancels {
					cf()
				}
				go drainRace(results, len(gateways)-consumed)
				c.logger.Warn("upstream content too large",
					"ref", ref.Key(), "gateway", o.gateway, "length", o.resp.ContentLength)
				return nil, backoff.Permanent(ErrTooLarge)
			}
			// Cancel the losers now; the winner's context stays live
			// until its body is closed.
			for i, cf := range cancels {
				if i != o.idx {
					cf()
				}
			}
			go drainRace(results, len(gateways)-consumed)
			o.resp.Body = &cancelOnClose{ReadCloser: o.resp.Body, cancel: cancels[o.idx]}
			return o.resp, nil
		case o.status == http.StatusNotFound:
			notFound++
		case o.status == http.StatusTooManyRequests:
			c.pauseGateway(o.gateway)
		case o.err != nil:
			lastErr = o.err
		default:
			lastErr = fmt.Errorf("gateway %s: status %d", o.gateway, o.status)
		}
		cancels[o.idx]()
	}

	if notFound == len(gateways) {
		return nil, backoff.Permanent(ErrNotFound)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no gateway returned content")
	}
	return nil, lastErr
}

// gatewayURL builds the request URL for ref on a gateway. Subpath
// segments are escaped so names containing "?", "#" or spaces stay part
// of the path instead of changing the request.
func gatewayURL(gateway string, ref cidcache.Ref) string {
	u := gateway + "/ipfs/" + ref.CID().String()
	if sub := ref.Subpath(); sub != "" {
		segs := strings.Split(sub, "/")
		for i, seg := range segs {
			segs[i] = url.PathEscape(seg)
		}
		u += "/" + strings.Join(segs, "/")
	}
	return u
}

// drainRace consumes the remaining n outcomes, closing any late winners.
// The contexts behind them are already cancelled.
func drainRace(results <-chan raceOutcome, n int) {
	for range n {
		o := <-results
		if o.resp != nil {
			_ = o.resp.Body.Close()
		}
	}
}

func (c *Client) fetchOne(ctx context.Context, idx int, gateway string, ref cidcache.Ref, results chan<- raceOutcome) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gatewayURL(gateway, ref), nil)
	if err != nil {
		results <- raceOutcome{idx: idx, gateway: gateway, err: err}
		return
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		results <- raceOutcome{idx: idx, gateway: gateway, err: err}
		return
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		c.logger.Debug("gateway miss", "gateway", gateway, "ref", ref.Key(), "status", resp.StatusCode)
		results <- raceOutcome{idx: idx, gateway: gateway, status: resp.StatusCode}
		return
	}

	results <- raceOutcome{
		idx: idx,
		resp: &Response{
			Body:          resp.Body,
			ContentLength: resp.ContentLength,
			ContentType:   resp.Header.Get("Content-Type"),
			Gateway:       gateway,
		},
		gateway: gateway,
		status:  resp.StatusCode,
	}
}

// availableGateways returns gateways not currently paused. Expired pauses
// are dropped on the way through.
func (c *Client) availableGateways() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]string, 0, len(c.gateways))
	for _, gw := range c.gateways {
		if until, ok := c.paused[gw]; ok {
			if now.Before(until) {
				continue
			}
			delete(c.paused, gw)
		}
		out = append(out, gw)
	}
	return out
}

func (c *Client) pauseGateway(gateway string) {
	c.mu.Lock()
	until := c.now().Add(c.pauseDuration)
	c.paused[gateway] = until
	c.mu.Unlock()
	c.logger.Warn("gateway rate limited, pausing", "gateway", gateway, "until", until)
}

// PausedGateways returns the gateways currently sitting out, for /stats.
func (c *Client) PausedGateways() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]time.Time, len(c.paused))
	now := c.now()
	for gw, until := range c.paused {
		if now.Before(until) {
			out[gw] = until
		}
	}
	return out
}

// cancelOnClose releases the winning request's context when the caller is
// done with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}
