package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PriceSource supplies current market prices keyed by asset symbol.
type PriceSource interface {
	Prices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// WalletSource supplies the current wallet holdings keyed by asset symbol.
type WalletSource interface {
	Holdings(ctx context.Context) (map[string]float64, error)
}

// CryptoPricesTool reports current market prices for requested assets.
type CryptoPricesTool struct {
	source PriceSource
}

// NewCryptoPricesTool builds the price lookup tool over the given source.
func NewCryptoPricesTool(source PriceSource) *CryptoPricesTool {
	return &CryptoPricesTool{source: source}
}

func (t *CryptoPricesTool) Name() string { return "get_crypto_prices" }

func (t *CryptoPricesTool) Description() string {
	return "Fetch current market prices. Args: {\"symbols\": [\"BTC\", ...]} or a free-text query naming the assets."
}

// Invoke accepts either a structured symbols list or a free-text query and
// returns a JSON object of symbol to price.
func (t *CryptoPricesTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	symbols := extractSymbols(args)
	prices, err := t.source.Prices(ctx, symbols)
	if err != nil {
		return "", fmt.Errorf("price lookup: %w", err)
	}
	data, err := json.Marshal(prices)
	if err != nil {
		return "", fmt.Errorf("encoding prices: %w", err)
	}
	return string(data), nil
}

// WalletStateTool reports the agent's current holdings.
type WalletStateTool struct {
	source WalletSource
}

// NewWalletStateTool builds the wallet inspection tool over the given source.
func NewWalletStateTool(source WalletSource) *WalletStateTool {
	return &WalletStateTool{source: source}
}

func (t *WalletStateTool) Name() string { return "get_wallet_state" }

func (t *WalletStateTool) Description() string {
	return "Report current wallet holdings per asset. Takes no required arguments."
}

func (t *WalletStateTool) Invoke(ctx context.Context, _ map[string]interface{}) (string, error) {
	holdings, err := t.source.Holdings(ctx)
	if err != nil {
		return "", fmt.Errorf("wallet lookup: %w", err)
	}
	data, err := json.Marshal(holdings)
	if err != nil {
		return "", fmt.Errorf("encoding holdings: %w", err)
	}
	return string(data), nil
}

// extractSymbols pulls asset symbols out of structured args or a free-text
// query. An empty result means the source should report all tracked assets.
func extractSymbols(args map[string]interface{}) []string {
	if raw, ok := args["symbols"]; ok {
		switch v := raw.(type) {
		case []string:
			return normalizeSymbols(v)
		case []interface{}:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			return normalizeSymbols(out)
		case string:
			return normalizeSymbols(strings.FieldsFunc(v, splitSymbols))
		}
	}
	if q, ok := args["query"].(string); ok {
		return symbolsFromQuery(q)
	}
	return nil
}

func splitSymbols(r rune) bool { return r == ',' || r == ' ' }

// knownSymbols bounds free-text extraction to assets the runtime tracks.
var knownSymbols = map[string]struct{}{
	"BTC": {}, "ETH": {}, "SOL": {}, "ADA": {}, "DOT": {}, "LINK": {},
}

func symbolsFromQuery(q string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, word := range strings.FieldsFunc(q, splitSymbols) {
		sym := strings.ToUpper(strings.Trim(word, ".,!?"))
		if _, known := knownSymbols[sym]; !known {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
