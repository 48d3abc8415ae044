package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/metrics"
)

// maxListBytes caps a single downloaded list.
const maxListBytes = 16 << 20

// Remote describes one list endpoint.
type Remote struct {
	Name string
	URL  string
}

// ParseRemotes parses "name=url,name=url". Bare URLs are named by host.
func ParseRemotes(raw string) ([]Remote, error) {
	var out []Remote
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, url, ok := strings.Cut(part, "=")
		if !ok {
			url = part
			name = normalizeHost(part)
		}
		url = strings.TrimSpace(url)
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return nil, fmt.Errorf("intel: source %q must be an http(s) URL", part)
		}
		out = append(out, Remote{Name: strings.TrimSpace(name), URL: url})
	}
	return out, nil
}

// listDocument is the JSON document every remote serves.
type listDocument struct {
	BlockedHosts     []string `json:"blocked_hosts"`
	AllowedHosts     []string `json:"allowed_hosts"`
	BlockedAddresses []string `json:"blocked_addresses"`
}

// Fetcher downloads remote lists and merges them over the built-in seed.
type Fetcher struct {
	client  *retryablehttp.Client
	remotes []Remote
	logger  *slog.Logger
}

// NewFetcher creates a fetcher for remotes.
func NewFetcher(remotes []Remote, logger *slog.Logger) *Fetcher {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.Logger = nil
	c.HTTPClient.Timeout = 20 * time.Second
	return &Fetcher{client: c, remotes: remotes, logger: logging.Or(logger)}
}

// ErrNoRemoteLoaded is returned when every remote failed.
var ErrNoRemoteLoaded = errors.New("intel: no remote list could be loaded")

// Fetch downloads every remote. One failing list does not fail the fetch
// unless all of them fail. The seed is always merged in.
func (f *Fetcher) Fetch(ctx context.Context) (*Snapshot, error) {
	b := NewBuilder().Merge(Seed())
	loaded := 0
	for _, r := range f.remotes {
		doc, err := f.fetchOne(ctx, r)
		if err != nil {
			metrics.IntelRefreshTotal.WithLabelValues(r.Name, "error").Inc()
			f.logger.Warn("threat intel source failed", "source", r.Name, "error", err)
			continue
		}
		metrics.IntelRefreshTotal.WithLabelValues(r.Name, "ok").Inc()
		for _, h := range doc.BlockedHosts {
			b.BlockHost(h, r.Name)
		}
		for _, h := range doc.AllowedHosts {
			b.TrustHost(h, r.Name)
		}
		for _, a := range doc.BlockedAddresses {
			b.BlockAddress(a, r.Name)
		}
		loaded++
	}
	if len(f.remotes) > 0 && loaded == 0 {
		return nil, ErrNoRemoteLoaded
	}
	return b.Build(time.Now()), nil
}

func (f *Fetcher) fetchOne(ctx context.Context, r Remote) (*listDocument, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var doc listDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxListBytes)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode list: %w", err)
	}
	return &doc, nil
}

// Refresher periodically refetches lists into a Store.
type Refresher struct {
	fetcher  *Fetcher
	store    *Store
	interval time.Duration
	logger   *slog.Logger
	running  atomic.Bool
}

// NewRefresher creates a refresher. interval defaults to one hour.
func NewRefresher(f *Fetcher, st *Store, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Refresher{fetcher: f, store: st, interval: interval, logger: logging.Or(logger)}
}

// Running reports whether the refresh loop is active.
func (r *Refresher) Running() bool {
	return r.running.Load()
}

// Start refreshes immediately, then on every tick. Call in a goroutine.
func (r *Refresher) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	r.safeRefresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.safeRefresh(ctx)
		}
	}
}

// RefreshNow performs one refresh synchronously.
func (r *Refresher) RefreshNow(ctx context.Context) error {
	snap, err := r.fetcher.Fetch(ctx)
	if err != nil {
		return err
	}
	r.store.Replace(snap)
	hosts, allowed, addrs := snap.Counts()
	metrics.IntelAgeSeconds.Set(0)
	r.logger.Info("threat intel refreshed",
		"blocked_hosts", hosts,
		"trusted_hosts", allowed,
		"blocked_addresses", addrs,
	)
	return nil
}

func (r *Refresher) safeRefresh(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in intel refresher", "panic", fmt.Sprint(rec))
		}
	}()
	if err := r.RefreshNow(ctx); err != nil {
		// keep serving the previous snapshot; staleness lowers verification
		r.logger.Warn("threat intel refresh failed", "error", err)
	}
	if age := r.store.Snapshot().Age(time.Now()); age >= 0 {
		metrics.IntelAgeSeconds.Set(age.Seconds())
	}
}
