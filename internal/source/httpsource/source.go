// Package httpsource polls a published HTTP artifact, such as a radar image
// or a forecast document, and classifies each response for the supervisor.
package httpsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/homedeck/homedeck/internal/observation"
	"github.com/homedeck/homedeck/internal/provider/resilience"
	"github.com/homedeck/homedeck/internal/source"
)

// DefaultMaxBodyBytes caps the size of a fetched artifact.
const DefaultMaxBodyBytes = 16 << 20

var (
	// ErrInvalidConfig is returned when a source is misconfigured.
	ErrInvalidConfig = errors.New("invalid http source config")

	// ErrBodyTooLarge is returned when an artifact exceeds MaxBodyBytes.
	ErrBodyTooLarge = errors.New("artifact exceeds size limit")
)

// Config holds configuration for an HTTP source.
type Config struct {
	// ID identifies the source (required).
	ID string

	// URL is the address of the latest artifact (required).
	URL string

	// HistoryURL addresses past artifacts. Segments in braces are Go time
	// layouts expanded in UTC, e.g. "https://host/radar/{2006/01/02/1504}.png".
	// Empty disables backfill.
	HistoryURL string

	// Cadence is the grid spacing of published instants. When set, an
	// instant counts as held if any observation falls in
	// [instant, instant+Cadence), so a live fetch stamped a few seconds
	// after the grid point is not backfilled again.
	Cadence time.Duration

	// Header is sent with every request.
	Header http.Header

	// Client is the HTTP client to use.
	// If nil, uses a resilient client with defaults.
	Client *resilience.Client

	// Store records fetched instants.
	// If nil, uses an in-memory store.
	Store observation.Repository

	// MaxBodyBytes caps the artifact size.
	// Default: 16 MiB
	MaxBodyBytes int64

	Logger zerolog.Logger

	// Clock returns the current time.
	// Default: time.Now
	Clock func() time.Time
}

// Artifact is the payload of a NewData outcome.
type Artifact struct {
	URL         string
	ContentType string
	ETag        string
	Timestamp   time.Time
	Body        []byte
}

// Source is a source.Source backed by an HTTP endpoint. It also implements
// source.Backfiller when HistoryURL is set, and source.Seeder.
type Source struct {
	cfg    Config
	client *resilience.Client
	store  observation.Repository
	logger zerolog.Logger

	mu       sync.Mutex
	etag     string
	lastSeen time.Time
}

// New creates a new HTTP source.
func New(cfg Config) (*Source, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: url is required for %s", ErrInvalidConfig, cfg.ID)
	}
	if cfg.HistoryURL != "" {
		if _, err := expandTemplate(cfg.HistoryURL, time.Time{}); err != nil {
			return nil, fmt.Errorf("%w: history url of %s: %w", ErrInvalidConfig, cfg.ID, err)
		}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	client := cfg.Client
	if client == nil {
		clientCfg := resilience.DefaultClientConfig(cfg.ID)
		clientCfg.Logger = cfg.Logger
		client = resilience.NewClient(clientCfg)
	}

	store := cfg.Store
	if store == nil {
		store = observation.NewInMemoryRepository()
	}

	return &Source{
		cfg:    cfg,
		client: client,
		store:  store,
		logger: cfg.Logger.With().Str("source_id", cfg.ID).Logger(),
	}, nil
}

// ID returns the source identifier.
func (s *Source) ID() string {
	return s.cfg.ID
}

// Fetch requests the latest artifact. Conditional headers are sent so an
// unchanged artifact costs a 304.
func (s *Source) Fetch(ctx context.Context) (source.Outcome, error) {
	req, err := s.newRequest(ctx, s.cfg.URL)
	if err != nil {
		return source.Outcome{}, err
	}

	s.mu.Lock()
	etag, lastSeen := s.etag, s.lastSeen
	s.mu.Unlock()

	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if !lastSeen.IsZero() {
		req.Header.Set("If-Modified-Since", lastSeen.UTC().Format(http.TimeFormat))
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return source.Outcome{}, fmt.Errorf("fetching %s: %w", s.cfg.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return source.Unchanged(lastSeen), nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return source.Miss(fmt.Sprintf("upstream returned %d", resp.StatusCode)), nil
	case resp.StatusCode != http.StatusOK:
		return classifyStatus(resp.StatusCode)
	}

	ts := s.timestamp(resp)
	respETag := resp.Header.Get("ETag")
	if (respETag != "" && respETag == etag) || (!lastSeen.IsZero() && !ts.After(lastSeen)) {
		return source.Unchanged(ts), nil
	}

	artifact, err := s.readArtifact(resp, s.cfg.URL, ts)
	if err != nil {
		return source.Outcome{}, err
	}

	s.mu.Lock()
	if ts.After(s.lastSeen) {
		s.lastSeen = ts
		s.etag = respETag
	}
	s.mu.Unlock()

	s.record(ctx, ts)
	return source.NewData(artifact, ts), nil
}

// CheckExists reports whether an artifact for the instant was recorded,
// either by a backfill or by a live fetch inside the instant's grid slot.
// Store errors count as not held so the instant is retried.
func (s *Source) CheckExists(ctx context.Context, instant time.Time) bool {
	var (
		exists bool
		err    error
	)
	if s.cfg.Cadence > 0 {
		exists, err = s.store.ExistsBetween(ctx, s.cfg.ID, instant, instant.Add(s.cfg.Cadence))
	} else {
		exists, err = s.store.Exists(ctx, s.cfg.ID, instant)
	}
	if err != nil {
		s.logger.Warn().Err(err).Time("instant", instant).Msg("observation lookup failed")
		return false
	}
	return exists
}

// Backfill requests the artifact published for a past instant. A 404 is a
// confirmed absence.
func (s *Source) Backfill(ctx context.Context, instant time.Time) (source.Outcome, error) {
	if s.cfg.HistoryURL == "" {
		return source.Absent("backfill not supported"), nil
	}

	url, err := expandTemplate(s.cfg.HistoryURL, instant)
	if err != nil {
		return source.Fatal(err.Error()), nil
	}

	req, err := s.newRequest(ctx, url)
	if err != nil {
		return source.Outcome{}, err
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return source.Outcome{}, fmt.Errorf("backfilling %s at %s: %w", s.cfg.ID, instant.Format(time.RFC3339), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return source.Absent(fmt.Sprintf("upstream returned %d", resp.StatusCode)), nil
	case resp.StatusCode != http.StatusOK:
		return classifyStatus(resp.StatusCode)
	}

	artifact, err := s.readArtifact(resp, url, instant)
	if err != nil {
		return source.Outcome{}, err
	}

	s.record(ctx, instant)
	return source.NewData(artifact, instant), nil
}

// SeedObservation returns the most recent recorded instant.
func (s *Source) SeedObservation(ctx context.Context) (time.Time, bool, error) {
	latest, ok, err := s.store.Latest(ctx, s.cfg.ID)
	if err != nil || !ok {
		return time.Time{}, false, err
	}

	s.mu.Lock()
	if latest.After(s.lastSeen) {
		s.lastSeen = latest
	}
	s.mu.Unlock()

	return latest, true, nil
}

func (s *Source) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %s", source.ErrFatal, err)
	}
	for key, values := range s.cfg.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return req, nil
}

// timestamp prefers Last-Modified, then Date, then the local clock.
func (s *Source) timestamp(resp *http.Response) time.Time {
	for _, header := range []string{"Last-Modified", "Date"} {
		if v := resp.Header.Get(header); v != "" {
			if t, err := http.ParseTime(v); err == nil {
				return t.UTC()
			}
		}
	}
	return s.cfg.Clock().UTC().Truncate(time.Second)
}

func (s *Source) readArtifact(resp *http.Response, url string, ts time.Time) (*Artifact, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.cfg.ID, err)
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("reading %s: %w", s.cfg.ID, ErrBodyTooLarge)
	}

	return &Artifact{
		URL:         url,
		ContentType: resp.Header.Get("Content-Type"),
		ETag:        resp.Header.Get("ETag"),
		Timestamp:   ts,
		Body:        body,
	}, nil
}

func (s *Source) record(ctx context.Context, ts time.Time) {
	if err := s.store.Record(ctx, s.cfg.ID, ts); err != nil {
		s.logger.Warn().Err(err).Time("observed_at", ts).Msg("failed to record observation")
	}
}

// classifyStatus maps a non-success status that is neither 304 nor 404.
func classifyStatus(code int) (source.Outcome, error) {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return source.Fatal(fmt.Sprintf("upstream rejected credentials: %d", code)), nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return source.Outcome{}, &resilience.StatusError{StatusCode: code}
	case code >= 400:
		return source.Fatal(fmt.Sprintf("upstream rejected request: %d", code)), nil
	default:
		return source.Outcome{}, fmt.Errorf("unexpected status code: %d", code)
	}
}

// expandTemplate formats every {layout} segment of tmpl with t in UTC.
func expandTemplate(tmpl string, t time.Time) (string, error) {
	var b strings.Builder
	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if strings.IndexByte(rest, '}') >= 0 {
				return "", fmt.Errorf("unbalanced '}' in %q", tmpl)
			}
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated '{' in %q", tmpl)
		}
		if strings.IndexByte(rest[:open], '}') >= 0 {
			return "", fmt.Errorf("unbalanced '}' in %q", tmpl)
		}
		layout := rest[open+1 : open+end]
		if layout == "" {
			return "", fmt.Errorf("empty layout in %q", tmpl)
		}
		b.WriteString(rest[:open])
		b.WriteString(t.UTC().Format(layout))
		rest = rest[open+end+1:]
	}
}
