package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CoinGecko adapts the public CoinGecko simple price API.
type CoinGecko struct {
	client   HTTPDoer
	endpoint string
	idMap    map[string]string
}

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// NewCoinGecko constructs a new adapter. idMap maps crypto symbols to
// CoinGecko asset identifiers (DOT -> polkadot, KSM -> kusama). When the
// client is nil a ten second timeout client is used.
func NewCoinGecko(client HTTPDoer, endpoint string, idMap map[string]string) *CoinGecko {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	mapped := make(map[string]string, len(idMap))
	for k, v := range idMap {
		mapped[normalizeSymbol(k)] = strings.TrimSpace(v)
	}
	return &CoinGecko{client: client, endpoint: ep, idMap: mapped}
}

// Name implements Source.
func (c *CoinGecko) Name() string { return "coingecko" }

func (c *CoinGecko) assetID(symbol string) string {
	if id, ok := c.idMap[normalizeSymbol(symbol)]; ok && id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(symbol))
}

// Fetch implements Source. Base is the crypto symbol, quote the fiat
// currency; the returned rate is fiat units per one crypto unit.
func (c *CoinGecko) Fetch(ctx context.Context, base, quote string) (Quote, error) {
	id := c.assetID(base)
	if id == "" {
		return Quote{}, fmt.Errorf("coingecko: unmapped asset %s", base)
	}
	fiat := strings.ToLower(normalizeSymbol(quote))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", fiat)
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	resp, err := c.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]interface{}
	if err := decoder.Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("coingecko: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko: quote missing for %s", base)
	}
	priceStr := numberString(entry[fiat])
	if priceStr == "" {
		return Quote{}, fmt.Errorf("coingecko: empty price for %s/%s", base, quote)
	}
	rat, ok := new(big.Rat).SetString(priceStr)
	if !ok || rat.Sign() <= 0 {
		return Quote{}, fmt.Errorf("coingecko: invalid rate %q", priceStr)
	}
	ts := time.Now().UTC()
	if unix := numberInt64(entry["last_updated_at"]); unix > 0 {
		ts = time.Unix(unix, 0).UTC()
	}
	return Quote{Rate: rat, TakenAt: ts, Source: "coingecko"}, nil
}

func numberString(raw interface{}) string {
	switch v := raw.(type) {
	case json.Number:
		return v.String()
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

func numberInt64(raw interface{}) int64 {
	switch v := raw.(type) {
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return parsed
		}
	case string:
		if parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return parsed
		}
	case float64:
		return int64(v)
	}
	return 0
}
