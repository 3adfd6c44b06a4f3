// Package credential obtains and caches the short-lived stream credential
// required by the token-gated DataSync stream endpoint.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/datasync-ingestor/pkg/cache"
	"github.com/Sternrassler/datasync-ingestor/pkg/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	tokenFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_token_fetch_duration_seconds",
		Help:    "Stream credential fetch duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	tokenFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_token_fetch_errors_total",
		Help: "Total failed stream credential fetches",
	})
)

// ErrInvalidResponse is returned when the stream-access response lacks a
// token or an endpoint.
var ErrInvalidResponse = errors.New("invalid stream access response")

// DefaultRefreshAfter is how old a credential may get before it is renewed.
const DefaultRefreshAfter = 270 * time.Second

// streamAccessPath is relative to the API origin.
const streamAccessPath = "/internal/dashboard/stream-access"

// Config holds the credential manager configuration.
type Config struct {
	// BaseURL is the API base URL; a trailing /api/v1 is stripped to get
	// the origin.
	BaseURL string

	APIKey    string
	UserAgent string

	// RefreshAfter defaults to DefaultRefreshAfter. It is clamped below the
	// TTL the server reports.
	RefreshAfter time.Duration

	// Cache is optional; when set the credential survives restarts.
	Cache *cache.Manager

	HTTPClient *http.Client
}

// Manager hands out stream credentials, renewing them before they expire.
type Manager struct {
	config     Config
	origin     string
	httpClient *http.Client
	now        func() time.Time
	logger     zerolog.Logger

	mu      sync.Mutex
	current *event.StreamAccess
}

// NewManager creates a credential manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.RefreshAfter <= 0 {
		cfg.RefreshAfter = DefaultRefreshAfter
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Manager{
		config:     cfg,
		origin:     Origin(cfg.BaseURL),
		httpClient: httpClient,
		now:        time.Now,
		logger:     log.With().Str("component", "credential-manager").Logger(),
	}, nil
}

// Origin strips a trailing /api/v1 (and slashes) from a base URL.
func Origin(baseURL string) string {
	origin := strings.TrimRight(baseURL, "/")
	origin = strings.TrimSuffix(origin, "/api/v1")
	return strings.TrimRight(origin, "/")
}

// RefreshWindow returns how long access may be used before renewal: the
// configured window, or 90% of the server TTL when that is shorter.
func (m *Manager) RefreshWindow(access *event.StreamAccess) time.Duration {
	window := m.config.RefreshAfter
	if access.ExpiresIn > 0 && window >= access.ExpiresIn {
		window = access.ExpiresIn * 9 / 10
	}
	return window
}

func (m *Manager) fresh(access *event.StreamAccess) bool {
	return access != nil && access.Age(m.now()) < m.RefreshWindow(access)
}

// Ensure returns the cached credential while it is inside its refresh
// window and fetches a new one otherwise.
func (m *Manager) Ensure(ctx context.Context) (*event.StreamAccess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fresh(m.current) {
		return m.current, nil
	}

	if shared := m.loadShared(ctx); shared != nil {
		m.current = shared
		return shared, nil
	}

	access, err := m.fetch(ctx)
	if err != nil {
		return nil, err
	}
	m.current = access
	m.storeShared(ctx, access)
	return access, nil
}

// Refresh discards the cached credential and fetches a new one.
func (m *Manager) Refresh(ctx context.Context) (*event.StreamAccess, error) {
	m.Invalidate(ctx)
	return m.Ensure(ctx)
}

// Invalidate drops the cached credential from memory and the shared cache.
func (m *Manager) Invalidate(ctx context.Context) {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()

	if m.config.Cache == nil {
		return
	}
	if err := m.config.Cache.Delete(ctx, m.cacheKey()); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to drop shared credential")
	}
}

// Fetch requests a new credential without touching the cache.
func (m *Manager) Fetch(ctx context.Context) (*event.StreamAccess, error) {
	return m.fetch(ctx)
}

type streamAccessResponse struct {
	StreamAccess *struct {
		Token     string  `json:"token"`
		Endpoint  string  `json:"endpoint"`
		ExpiresIn float64 `json:"expiresIn"`
	} `json:"streamAccess"`
}

func (m *Manager) fetch(ctx context.Context) (*event.StreamAccess, error) {
	start := time.Now()
	access, err := m.doFetch(ctx)
	if err != nil {
		tokenFetchErrors.Inc()
		m.logger.Error().Err(err).Msg("Stream credential fetch failed")
		return nil, err
	}
	tokenFetchDuration.Observe(time.Since(start).Seconds())

	m.logger.Info().
		Dur("expires_in", access.ExpiresIn).
		Dur("refresh_after", m.RefreshWindow(access)).
		Msg("Stream credential obtained")
	return access, nil
}

func (m *Manager) doFetch(ctx context.Context) (*event.StreamAccess, error) {
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, m.origin+streamAccessPath, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-API-Key", m.config.APIKey)
	req.Header.Set("Accept", "application/json")
	if m.config.UserAgent != "" {
		req.Header.Set("User-Agent", m.config.UserAgent)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request stream access: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read stream access: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("stream access: unexpected status %d", resp.StatusCode)
	}

	var parsed streamAccessResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	sa := parsed.StreamAccess
	if sa == nil || sa.Token == "" || sa.Endpoint == "" {
		return nil, ErrInvalidResponse
	}

	endpoint := sa.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = m.origin + "/" + strings.TrimLeft(endpoint, "/")
	}

	return &event.StreamAccess{
		Token:     sa.Token,
		Endpoint:  endpoint,
		ExpiresIn: time.Duration(sa.ExpiresIn * float64(time.Second)),
		FetchedAt: m.now(),
	}, nil
}

func (m *Manager) cacheKey() cache.Key {
	return cache.Key{
		Namespace: "credential",
		Name:      "stream-access",
		Params:    map[string]string{"origin": m.origin},
	}
}

func (m *Manager) loadShared(ctx context.Context) *event.StreamAccess {
	if m.config.Cache == nil {
		return nil
	}

	var access event.StreamAccess
	if err := m.config.Cache.GetJSON(ctx, m.cacheKey(), &access); err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			m.logger.Warn().Err(err).Msg("Shared credential unavailable")
		}
		return nil
	}
	if !m.fresh(&access) {
		return nil
	}

	m.logger.Debug().Msg("Using shared stream credential")
	return &access
}

func (m *Manager) storeShared(ctx context.Context, access *event.StreamAccess) {
	if m.config.Cache == nil {
		return
	}
	expires := access.FetchedAt.Add(m.RefreshWindow(access))
	if err := m.config.Cache.SetJSON(ctx, m.cacheKey(), access, expires); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to share stream credential")
	}
}
