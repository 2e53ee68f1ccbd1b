package symbol

import "strings"

type BinanceConverter struct{}

func (BinanceConverter) ToExchange(internal string) string {
	s := strings.ToUpper(strings.TrimSpace(internal))
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	return strings.ReplaceAll(s, "/", "")
}

func (BinanceConverter) FromExchange(raw string, perp bool) string {
	sym := Parse(raw)
	sym.Perp = perp
	return sym.Internal()
}

var Binance = BinanceConverter{}
