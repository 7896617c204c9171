// Package gateway turns content-addressed media locators into URLs served
// by one of several interchangeable HTTP gateways.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/nft-state-sync/internal/errors"
	"github.com/nft-state-sync/internal/logging"
	"github.com/nft-state-sync/internal/metrics"
)

var cidPattern = regexp.MustCompile(`^(Qm[1-9A-HJ-NP-Za-km-z]{44}|b[a-z2-7]{20,})$`)

// Resolution is the outcome of resolving one locator.
type Resolution struct {
	URL         string `json:"url"`
	Attempts    int    `json:"attempts"`
	Placeholder bool   `json:"placeholder"`
}

// Resolver probes gateways in priority order.
type Resolver struct {
	gateways     []string
	client       *http.Client
	probeTimeout time.Duration
	placeholder  string
	metrics      *metrics.Metrics
	logger       *logging.Logger
}

// Config holds resolver settings.
type Config struct {
	// Gateways are base URLs ending in /ipfs/, highest priority first.
	Gateways     []string
	ProbeTimeout time.Duration
	Placeholder  string
	Client       *http.Client
	Metrics      *metrics.Metrics
	Logger       *logging.Logger
}

// NewResolver validates cfg and builds a resolver.
func NewResolver(cfg *Config) (*Resolver, error) {
	if cfg == nil || len(cfg.Gateways) == 0 {
		return nil, errors.New("at least one gateway is required")
	}
	r := &Resolver{
		probeTimeout: cfg.ProbeTimeout,
		placeholder:  cfg.Placeholder,
		client:       cfg.Client,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
	for _, g := range cfg.Gateways {
		base, err := normalizeBase(g)
		if err != nil {
			return nil, err
		}
		r.gateways = append(r.gateways, base)
	}
	if r.probeTimeout <= 0 {
		r.probeTimeout = 6 * time.Second
	}
	if r.client == nil {
		r.client = &http.Client{
			// Redirects are followed; the probe timeout bounds the whole chain.
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		}
	}
	if r.metrics == nil {
		r.metrics = metrics.Noop()
	}
	if r.logger == nil {
		r.logger = logging.GetGlobalLogger()
	}
	r.logger = r.logger.Component("gateway")
	return r, nil
}

func normalizeBase(g string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(g))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid gateway URL %q", g)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String(), nil
}

// Locator is a parsed content-addressed reference.
type Locator struct {
	// Path is the CID optionally followed by a sub-path.
	Path string
	// Origin is the gateway base the locator was written against, if any.
	Origin string
}

// ParseLocator accepts ipfs://CID[/path], ipfs://ipfs/CID, /ipfs/CID,
// gateway URLs containing /ipfs/ and bare CIDs.
func ParseLocator(locator string) (Locator, error) {
	s := strings.TrimSpace(locator)
	switch {
	case s == "":
		return Locator{}, apperrors.NewInvalidParameterError("uri", "empty locator")
	case strings.HasPrefix(s, "ipfs://"):
		rest := strings.TrimPrefix(strings.TrimPrefix(s, "ipfs://"), "ipfs/")
		return checkPath(rest, "")
	case strings.HasPrefix(s, "/ipfs/"):
		return checkPath(strings.TrimPrefix(s, "/ipfs/"), "")
	case strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://"):
		idx := strings.Index(s, "/ipfs/")
		if idx < 0 {
			return Locator{}, apperrors.NewInvalidParameterError("uri", "not a content-addressed URL")
		}
		origin := s[:idx] + "/ipfs/"
		return checkPath(s[idx+len("/ipfs/"):], origin)
	default:
		return checkPath(s, "")
	}
}

func checkPath(path, origin string) (Locator, error) {
	path = strings.Trim(path, "/")
	cid, _, _ := strings.Cut(path, "/")
	if !cidPattern.MatchString(cid) {
		return Locator{}, apperrors.NewInvalidParameterError("uri", fmt.Sprintf("%q is not a content identifier", cid))
	}
	return Locator{Path: path, Origin: origin}, nil
}

// Candidates lists the URLs to try for loc: its origin gateway first when
// it has one, then the configured gateways, without duplicates and capped
// at the number of configured gateways.
func (r *Resolver) Candidates(loc Locator) []string {
	bases := make([]string, 0, len(r.gateways)+1)
	if loc.Origin != "" {
		bases = append(bases, loc.Origin)
	}
	bases = append(bases, r.gateways...)

	seen := make(map[string]struct{}, len(bases))
	out := make([]string, 0, len(r.gateways))
	for _, base := range bases {
		key := strings.ToLower(base)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, base+loc.Path)
		if len(out) == len(r.gateways) {
			break
		}
	}
	return out
}

// Resolve returns the first candidate that answers with a success status.
// When every candidate fails the placeholder is returned and the
// exhaustion is logged; no error reaches the caller.
func (r *Resolver) Resolve(ctx context.Context, locator string) Resolution {
	if strings.HasPrefix(locator, "http") && !strings.Contains(locator, "/ipfs/") {
		// Plain URLs are already resolved.
		return Resolution{URL: locator}
	}

	loc, err := ParseLocator(locator)
	if err != nil {
		r.logger.WithError(err).WithField("locator", locator).Warn("Unresolvable locator")
		r.metrics.GatewayResolutions.WithLabelValues("placeholder").Inc()
		return Resolution{URL: r.placeholder, Placeholder: true}
	}

	var lastErr error
	attempts := 0
	for _, candidate := range r.Candidates(loc) {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		attempts++
		if lastErr = r.probe(ctx, candidate); lastErr == nil {
			r.metrics.GatewayResolutions.WithLabelValues("resolved").Inc()
			return Resolution{URL: candidate, Attempts: attempts}
		}
		r.logger.WithError(lastErr).WithFields(map[string]interface{}{
			"url":     candidate,
			"attempt": attempts,
		}).Debug("Gateway probe failed")
	}

	exhausted := apperrors.NewGatewayExhaustedError(locator, attempts, lastErr)
	r.logger.WithError(exhausted).Warn("All gateways failed, serving placeholder")
	r.metrics.GatewayResolutions.WithLabelValues("placeholder").Inc()
	return Resolution{URL: r.placeholder, Attempts: attempts, Placeholder: true}
}

// ResolveAll resolves locators concurrently and returns the URLs in input
// order.
func (r *Resolver) ResolveAll(ctx context.Context, locators []string) []string {
	out := make([]string, len(locators))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, locator := range locators {
		g.Go(func() error {
			out[i] = r.Resolve(gctx, locator).URL
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// probe checks one URL with HEAD, retrying as GET when the gateway does
// not allow HEAD. The request is cancelled when the probe timeout fires.
func (r *Resolver) probe(ctx context.Context, target string) error {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	status, err := r.do(probeCtx, http.MethodHead, target)
	if err == nil && (status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) {
		status, err = r.do(probeCtx, http.MethodGet, target)
	}
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		r.metrics.GatewayProbes.WithLabelValues("timeout").Inc()
		return fmt.Errorf("probe timed out after %s: %w", r.probeTimeout, err)
	case err != nil:
		r.metrics.GatewayProbes.WithLabelValues("error").Inc()
		return err
	case status < 200 || status > 299:
		r.metrics.GatewayProbes.WithLabelValues("http_error").Inc()
		return fmt.Errorf("gateway returned status %d", status)
	}
	r.metrics.GatewayProbes.WithLabelValues("ok").Inc()
	return nil
}

func (r *Resolver) do(ctx context.Context, method, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	return resp.StatusCode, nil
}

// Close releases idle probe connections.
func (r *Resolver) Close() {
	r.client.CloseIdleConnections()
}
