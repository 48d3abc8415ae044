// Package price looks up the USD price of a chain's native currency. The
// figure is cosmetic: it only decorates explanations, so every failure
// degrades to "unknown" rather than an error on the analysis path.
package price

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mbd888/walletgate/internal/logging"
)

// DefaultEndpoint is the CoinGecko simple price API (free, no key required).
const DefaultEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// Lookup returns the USD price of one native unit on chainID, or 0 when
// unknown.
type Lookup interface {
	NativeUSD(ctx context.Context, chainID string) float64
}

// Static serves fixed prices keyed by lowercase hex chain id.
type Static map[string]float64

// NativeUSD implements Lookup.
func (s Static) NativeUSD(_ context.Context, chainID string) float64 {
	return s[strings.ToLower(chainID)]
}

// None never knows a price.
type None struct{}

// NativeUSD implements Lookup.
func (None) NativeUSD(context.Context, string) float64 { return 0 }

// nativeAssets maps chain ids to CoinGecko asset ids.
var nativeAssets = map[string]string{
	"0x1":    "ethereum",
	"0xa":    "ethereum",
	"0x2105": "ethereum",
	"0xa4b1": "ethereum",
	"0x89":   "polygon-ecosystem-token",
	"0x38":   "binancecoin",
	"0xa86a": "avalanche-2",
	"0x64":   "xdai",
}

// AssetFor returns the CoinGecko id for chainID. Unknown or empty chains
// default to mainnet ether.
func AssetFor(chainID string) (string, bool) {
	chainID = strings.ToLower(strings.TrimSpace(chainID))
	if chainID == "" {
		return "ethereum", true
	}
	id, ok := nativeAssets[chainID]
	return id, ok
}

type entry struct {
	price     float64
	fetchedAt time.Time
}

// Oracle fetches prices over HTTP with a per-asset cache.
type Oracle struct {
	endpoint string
	ttl      time.Duration
	client   *retryablehttp.Client
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]entry
}

// NewOracle creates an oracle. An empty endpoint uses DefaultEndpoint.
func NewOracle(endpoint string, ttl time.Duration, logger *slog.Logger) *Oracle {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.HTTPClient.Timeout = 3 * time.Second
	c.Logger = nil
	return &Oracle{
		endpoint: endpoint,
		ttl:      ttl,
		client:   c,
		logger:   logging.Or(logger),
		cache:    make(map[string]entry),
	}
}

// NativeUSD returns the cached price when fresh, otherwise fetches. A
// failed fetch serves the last known price, or 0.
func (o *Oracle) NativeUSD(ctx context.Context, chainID string) float64 {
	asset, ok := AssetFor(chainID)
	if !ok {
		return 0
	}

	o.mu.RLock()
	e, hit := o.cache[asset]
	o.mu.RUnlock()
	if hit && time.Since(e.fetchedAt) < o.ttl {
		return e.price
	}

	p, err := o.fetch(ctx, asset)
	if err != nil {
		o.logger.Debug("price lookup failed", "asset", asset, "error", err)
		return e.price
	}

	o.mu.Lock()
	o.cache[asset] = entry{price: p, fetchedAt: time.Now()}
	o.mu.Unlock()
	return p
}

func (o *Oracle) fetch(ctx context.Context, asset string) (float64, error) {
	url := fmt.Sprintf("%s?ids=%s&vs_currencies=usd", o.endpoint, asset)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price API returned status %d", resp.StatusCode)
	}

	var result map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode price response: %w", err)
	}
	p := result[asset].USD
	if p <= 0 {
		return 0, fmt.Errorf("invalid price returned: %f", p)
	}
	return p, nil
}
