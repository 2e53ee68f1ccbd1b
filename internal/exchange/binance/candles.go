package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cryptobots/internal/exchange"
	symbolpkg "cryptobots/internal/pkg/symbol"
	"cryptobots/internal/scheduler"
)

const maxHistoryLimit = 1500

func (g *Gateway) FetchHistory(ctx context.Context, instrument, interval string, limit int) ([]exchange.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	sym := symbolpkg.Parse(instrument)
	if sym.Base == "" {
		return nil, fmt.Errorf("invalid instrument %q", instrument)
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}

	var out []exchange.Candle
	if sym.Perp {
		kls, err := g.fut.NewKlinesService().
			Symbol(sym.Binance()).Interval(interval).Limit(limit).Do(ctx)
		if err != nil {
			return nil, &exchange.ConnectivityError{Op: "futures klines " + instrument, Err: err}
		}
		for _, kl := range kls {
			if kl == nil {
				continue
			}
			out = append(out, exchange.Candle{
				OpenTime:  kl.OpenTime,
				CloseTime: kl.CloseTime,
				Open:      parseFloat(kl.Open),
				High:      parseFloat(kl.High),
				Low:       parseFloat(kl.Low),
				Close:     parseFloat(kl.Close),
				Volume:    parseFloat(kl.Volume),
			})
		}
	} else {
		kls, err := g.spot.NewKlinesService().
			Symbol(sym.Binance()).Interval(interval).Limit(limit).Do(ctx)
		if err != nil {
			return nil, &exchange.ConnectivityError{Op: "spot klines " + instrument, Err: err}
		}
		for _, kl := range kls {
			if kl == nil {
				continue
			}
			out = append(out, exchange.Candle{
				OpenTime:  kl.OpenTime,
				CloseTime: kl.CloseTime,
				Open:      parseFloat(kl.Open),
				High:      parseFloat(kl.High),
				Low:       parseFloat(kl.Low),
				Close:     parseFloat(kl.Close),
				Volume:    parseFloat(kl.Volume),
			})
		}
	}

	if _, ok := scheduler.ParseIntervalDuration(interval); ok {
		out = dropUnclosed(out, time.Now())
	}
	return out, nil
}

// FetchRange pulls klines by open-time range, for candle cache sync. Unlike
// FetchHistory the forming bar is kept; ranged pulls are bounded by end time
// and the integrity check re-pulls overwritten bars on the next sync anyway.
func (g *Gateway) FetchRange(ctx context.Context, instrument, interval string, start, end int64, limit int) ([]exchange.Candle, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = 1000
	}
	sym := symbolpkg.Parse(instrument)
	if sym.Base == "" {
		return nil, fmt.Errorf("invalid instrument %q", instrument)
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}

	var out []exchange.Candle
	if sym.Perp {
		svc := g.fut.NewKlinesService().Symbol(sym.Binance()).Interval(interval).Limit(limit)
		if start > 0 {
			svc = svc.StartTime(start)
		}
		if end > 0 {
			svc = svc.EndTime(end)
		}
		kls, err := svc.Do(ctx)
		if err != nil {
			return nil, &exchange.ConnectivityError{Op: "futures klines " + instrument, Err: err}
		}
		for _, kl := range kls {
			if kl == nil {
				continue
			}
			out = append(out, exchange.Candle{
				OpenTime:  kl.OpenTime,
				CloseTime: kl.CloseTime,
				Open:      parseFloat(kl.Open),
				High:      parseFloat(kl.High),
				Low:       parseFloat(kl.Low),
				Close:     parseFloat(kl.Close),
				Volume:    parseFloat(kl.Volume),
			})
		}
		return out, nil
	}

	svc := g.spot.NewKlinesService().Symbol(sym.Binance()).Interval(interval).Limit(limit)
	if start > 0 {
		svc = svc.StartTime(start)
	}
	if end > 0 {
		svc = svc.EndTime(end)
	}
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, &exchange.ConnectivityError{Op: "spot klines " + instrument, Err: err}
	}
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, exchange.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
		})
	}
	return out, nil
}

// dropUnclosed removes the still-forming final kline; indicators must only
// ever see closed bars.
func dropUnclosed(candles []exchange.Candle, now time.Time) []exchange.Candle {
	if len(candles) == 0 {
		return candles
	}
	last := candles[len(candles)-1]
	if last.CloseTime >= now.UnixMilli() {
		return candles[:len(candles)-1]
	}
	return candles
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
