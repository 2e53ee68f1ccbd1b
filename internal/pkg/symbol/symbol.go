// Package symbol handles instrument naming. Internally instruments use the
// ccxt-style notation "ETH/USDT" for spot and "ETH/USDT:USDT" for linear
// perpetuals; exchanges get the compact form ("ETHUSDT").
package symbol

import (
	"strings"
)

type Symbol struct {
	Base  string
	Quote string
	Perp  bool
}

func (s Symbol) Internal() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	if s.Perp {
		return s.Base + "/" + s.Quote + ":" + s.Quote
	}
	return s.Base + "/" + s.Quote
}

func (s Symbol) Binance() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

// Spot returns the spot counterpart of a perp symbol (or the symbol itself).
func (s Symbol) Spot() Symbol {
	s.Perp = false
	return s
}

// PerpOf returns the linear perpetual counterpart.
func (s Symbol) PerpOf() Symbol {
	s.Perp = true
	return s
}

func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}

	perp := false
	if idx := strings.Index(s, ":"); idx >= 0 {
		perp = true
		s = s[:idx]
	}

	if parts := strings.SplitN(s, "/", 2); len(parts) == 2 {
		return Symbol{
			Base:  strings.TrimSpace(parts[0]),
			Quote: strings.TrimSpace(parts[1]),
			Perp:  perp,
		}
	}

	quoteCurrencies := []string{"USDT", "BUSD", "USDC", "TUSD", "BTC", "ETH", "BNB"}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{
				Base:  s[:len(s)-len(quote)],
				Quote: quote,
				Perp:  perp,
			}
		}
	}

	return Symbol{}
}

func Normalize(s string) string {
	return Parse(s).Internal()
}

func IsValid(s string) bool {
	sym := Parse(s)
	return sym.Base != "" && sym.Quote != ""
}

func IsPerp(s string) bool {
	return Parse(s).Perp
}
