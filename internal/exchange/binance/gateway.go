// Package binance adapts the Binance spot and USD-M futures REST APIs to the
// engine's snapshot provider, order gateway and candle source contracts.
// Instruments in ccxt notation route automatically: "ETH/USDT" hits the spot
// API, "ETH/USDT:USDT" the futures API.
package binance

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"cryptobots/internal/exchange"
)

type Gateway struct {
	cfg  Config
	spot *binance.Client
	fut  *futures.Client

	mu          sync.RWMutex
	instruments map[string]exchange.Instrument
}

func New(cfg Config) (*Gateway, error) {
	final := cfg.withDefaults()

	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}

	spot := binance.NewClient(final.APIKey, final.APISecret)
	spot.BaseURL = strings.TrimSpace(final.SpotBaseURL)
	spot.HTTPClient = httpClient

	fut := futures.NewClient(final.APIKey, final.APISecret)
	fut.BaseURL = strings.TrimSpace(final.FuturesBaseURL)
	fut.HTTPClient = httpClient

	return &Gateway{
		cfg:         final,
		spot:        spot,
		fut:         fut,
		instruments: make(map[string]exchange.Instrument),
	}, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}
