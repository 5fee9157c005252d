package content

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/GriffinCanCode/skykernel/internal/infrastructure/resilience"
	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PortalOptions configures a PortalClient
type PortalOptions struct {
	// Portals are base URLs tried in order.
	Portals []string

	Timeout      time.Duration
	Retries      int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// RateLimit bounds requests per second across all portals.
	RateLimit rate.Limit
	Burst     int

	// MaxDownload caps the size of a downloaded object.
	MaxDownload int64

	// TripAfter consecutive failures take a portal out of rotation for
	// Cooldown.
	TripAfter uint32
	Cooldown  time.Duration

	UserAgent     string
	Logger        *zap.Logger
	OnStateChange func(portal string, from, to resilience.State)
}

// DefaultPortalOptions returns production settings for portals
func DefaultPortalOptions(portals ...string) PortalOptions {
	return PortalOptions{
		Portals:      portals,
		Timeout:      30 * time.Second,
		Retries:      2,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
		RateLimit:    rate.Limit(20),
		Burst:        20,
		MaxDownload:  8 << 20,
		TripAfter:    5,
		Cooldown:     30 * time.Second,
		UserAgent:    "skykernel",
	}
}

// PortalClient downloads content and registry entries from storage
// portals. Each request tries the portals in order until one answers.
type PortalClient struct {
	portals     []*portal
	limiter     *rate.Limiter
	maxDownload int64
	logger      *zap.Logger
}

type portal struct {
	base    string
	client  *resty.Client
	breaker *resilience.Breaker
}

// NewPortalClient creates a client for opts.Portals
func NewPortalClient(opts PortalOptions) (*PortalClient, error) {
	if len(opts.Portals) == 0 {
		return nil, errors.New("no portals configured")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("portal")

	limit := opts.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &PortalClient{
		limiter:     rate.NewLimiter(limit, burst),
		maxDownload: opts.MaxDownload,
		logger:      logger,
	}
	for _, base := range opts.Portals {
		base = strings.TrimRight(base, "/")
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			return nil, fmt.Errorf("portal %q must be an http(s) URL", base)
		}
		c.portals = append(c.portals, newPortal(base, opts, logger))
	}
	return c, nil
}

func newPortal(base string, opts PortalOptions, logger *zap.Logger) *portal {
	retry := retryablehttp.NewClient()
	retry.RetryMax = opts.Retries
	retry.RetryWaitMin = opts.RetryWaitMin
	retry.RetryWaitMax = opts.RetryWaitMax
	retry.Logger = retryLogger{logger.With(zap.String("portal", base)).Sugar()}

	client := resty.NewWithClient(retry.StandardClient()).
		SetBaseURL(base).
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", opts.UserAgent)

	trip := opts.TripAfter
	if trip == 0 {
		trip = 5
	}
	breaker := resilience.New("portal:"+base, resilience.Settings{
		Cooldown:   opts.Cooldown,
		ShouldTrip: func(c resilience.Counts) bool { return c.ConsecutiveFailures >= trip },
		IsFailure:  func(err error) bool { return err != nil && !errors.Is(err, ErrNotFound) },
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("Portal breaker changed state",
				zap.String("portal", base),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if opts.OnStateChange != nil {
				opts.OnStateChange(base, from, to)
			}
		},
	})

	return &portal{base: base, client: client, breaker: breaker}
}

// Portals returns the configured portal URLs in try order
func (c *PortalClient) Portals() []string {
	out := make([]string, len(c.portals))
	for i, p := range c.portals {
		out[i] = p.base
	}
	return out
}

// States reports each portal's breaker state
func (c *PortalClient) States() map[string]resilience.State {
	out := make(map[string]resilience.State, len(c.portals))
	for _, p := range c.portals {
		out[p.base] = p.breaker.State()
	}
	return out
}

// Download fetches the object at address and checks it against the
// address. A portal whose answer fails the check counts as failed, and the
// next portal is tried. Addresses that cannot be checked are refused.
func (c *PortalClient) Download(ctx context.Context, address string) ([]byte, error) {
	raw, err := decodeAddress(address)
	if err != nil {
		return nil, err
	}

	var (
		body    []byte
		corrupt error
	)
	switch kindOf(raw) {
	case kindLocal:
		err = c.progressive(ctx, "download", func(p *portal) error {
			data, err := c.fetch(ctx, p, "/"+address)
			if err != nil {
				return err
			}
			if err := Verify(address, data); err != nil {
				return err
			}
			body = data
			return nil
		})
	case kindSectorRange:
		offset, fetchSize, perr := parseV1Bitfield(binary.LittleEndian.Uint16(raw[:2]))
		if perr != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrAddress, address, perr)
		}
		var root [32]byte
		copy(root[:], raw[2:])

		err = c.progressive(ctx, "download", func(p *portal) error {
			data, err := c.fetch(ctx, p, "/skynet/trustless/basesector/"+address)
			if err != nil {
				return err
			}
			if uint64(len(data)) < fetchSize {
				return fmt.Errorf("%w: portal returned %d bytes of a %d byte range", ErrIntegrity, len(data), fetchSize)
			}
			if err := verifySectorRange(root, data[:fetchSize], offset, data[fetchSize:]); err != nil {
				return fmt.Errorf("%w: %v", ErrIntegrity, err)
			}
			// The portal proved it served the named bytes. If they do not
			// decode, every portal will serve the same bytes.
			file, err := baseSectorFile(data[:fetchSize])
			if err != nil {
				corrupt = fmt.Errorf("%w: object is corrupt: %v", ErrIntegrity, err)
				return nil
			}
			body = file
			return nil
		})
	default:
		return nil, fmt.Errorf("%w: %s cannot be verified", ErrIntegrity, address)
	}

	if err == nil {
		err = corrupt
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", address, err)
	}
	return body, nil
}

// fetch GETs path from p, enforcing the download size limit.
func (c *PortalClient) fetch(ctx context.Context, p *portal, path string) ([]byte, error) {
	resp, err := p.client.R().SetContext(ctx).Get(path)
	if err := classify(resp, err); err != nil {
		return nil, err
	}
	if c.maxDownload > 0 && int64(len(resp.Body())) > c.maxDownload {
		return nil, fmt.Errorf("%w: object exceeds %d bytes", ErrTransport, c.maxDownload)
	}
	return resp.Body(), nil
}

type registryReadResponse struct {
	Data      string `json:"data"`
	Revision  uint64 `json:"revision"`
	Signature string `json:"signature"`
}

// RegistryRead fetches and verifies the entry owned by pub under datakey.
func (c *PortalClient) RegistryRead(ctx context.Context, pub ed25519.PublicKey, datakey []byte) (Entry, bool, error) {
	var entry Entry
	err := c.progressive(ctx, "registry read", func(p *portal) error {
		resp, err := p.client.R().
			SetContext(ctx).
			SetQueryParam("publickey", "ed25519:"+hex.EncodeToString(pub)).
			SetQueryParam("datakey", hex.EncodeToString(datakey)).
			Get("/skynet/registry")
		if err := classify(resp, err); err != nil {
			return err
		}

		var body registryReadResponse
		if err := sonic.ConfigStd.Unmarshal(resp.Body(), &body); err != nil {
			return fmt.Errorf("%w: undecodable registry response: %v", ErrIntegrity, err)
		}
		e, err := body.entry()
		if err != nil {
			return err
		}
		if err := VerifyEntry(pub, datakey, e); err != nil {
			return err
		}
		entry = e
		return nil
	})
	switch {
	case errors.Is(err, ErrNotFound):
		return Entry{}, false, nil
	case err != nil:
		return Entry{}, false, fmt.Errorf("registry read: %w", err)
	}
	return entry, true, nil
}

func (r registryReadResponse) entry() (Entry, error) {
	data, err := hex.DecodeString(r.Data)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: registry data is not hex", ErrIntegrity)
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: registry signature is not hex", ErrIntegrity)
	}
	return Entry{Data: data, Revision: r.Revision, Signature: sig}, nil
}

type registryWriteRequest struct {
	PublicKey struct {
		Algorithm string `json:"algorithm"`
		Key       []int  `json:"key"`
	} `json:"publickey"`
	DataKey   string `json:"datakey"`
	Revision  uint64 `json:"revision"`
	Data      []int  `json:"data"`
	Signature []int  `json:"signature"`
}

// RegistryWrite signs and publishes a registry entry. The first portal to
// accept it wins.
func (c *PortalClient) RegistryWrite(ctx context.Context, key ed25519.PrivateKey, datakey, data []byte, revision uint64) error {
	entry, err := SignEntry(key, datakey, data, revision)
	if err != nil {
		return err
	}

	var req registryWriteRequest
	req.PublicKey.Algorithm = "ed25519"
	req.PublicKey.Key = byteList(key.Public().(ed25519.PublicKey))
	req.DataKey = hex.EncodeToString(datakey)
	req.Revision = revision
	req.Data = byteList(entry.Data)
	req.Signature = byteList(entry.Signature)
	body, err := sonic.ConfigStd.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode registry write: %w", err)
	}

	err = c.progressive(ctx, "registry write", func(p *portal) error {
		resp, err := p.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(body).
			Post("/skynet/registry")
		return classify(resp, err)
	})
	if err != nil {
		return fmt.Errorf("registry write: %w", err)
	}
	return nil
}

// progressive runs fn against each portal in order until one succeeds. If
// every portal failed and at least one said "not found", the result is
// ErrNotFound.
func (c *PortalClient) progressive(ctx context.Context, op string, fn func(*portal) error) error {
	var (
		errs     []error
		notFound bool
	)
	for _, p := range c.portals {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}

		err := p.breaker.Do(func() error { return fn(p) })
		if err == nil {
			return nil
		}
		c.logger.Debug("Portal attempt failed",
			zap.String("op", op),
			zap.String("portal", p.base),
			zap.Error(err))

		if errors.Is(err, ErrNotFound) {
			notFound = true
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.base, err))
		if ctx.Err() != nil {
			break
		}
	}
	if notFound {
		return ErrNotFound
	}
	return fmt.Errorf("%w: all portals failed: %w", ErrTransport, errors.Join(errs...))
}

func classify(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		return ErrNotFound
	case code < 200 || code > 299:
		return fmt.Errorf("%w: portal answered %d", ErrTransport, code)
	}
	return nil
}

func byteList(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

// retryLogger adapts zap to retryablehttp's leveled logger. Retries are
// routine, so its errors are logged as warnings.
type retryLogger struct {
	s *zap.SugaredLogger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.s.Warnw(msg, kv...) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
