package backtest

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	reportWidthPx  = 1400
	reportHeightPx = 480
)

// RenderEquityReport writes the equity curve and drawdown of a finished run
// as HTML, then snapshots it to PNG through headless Chrome. The HTML is
// always written; when Chrome is unavailable the HTML path is returned.
func RenderEquityReport(ctx context.Context, dir, runID string, cfg RunConfig, stats RunStats, points []EquityPoint) (string, error) {
	if len(points) == 0 {
		return "", fmt.Errorf("no equity points to render")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	html, err := buildReportHTML(runID, cfg, stats, points)
	if err != nil {
		return "", err
	}
	htmlPath := filepath.Join(dir, runID+".html")
	if err := os.WriteFile(htmlPath, html, 0o644); err != nil {
		return "", err
	}

	png, err := renderHTMLToPNG(ctx, html, reportWidthPx, 2*reportHeightPx+80)
	if err != nil {
		return htmlPath, nil
	}
	pngPath := filepath.Join(dir, runID+".png")
	if err := os.WriteFile(pngPath, png, 0o644); err != nil {
		return htmlPath, nil
	}
	return pngPath, nil
}

func buildReportHTML(runID string, cfg RunConfig, stats RunStats, points []EquityPoint) ([]byte, error) {
	xAxis := make([]string, len(points))
	equity := make([]opts.LineData, len(points))
	drawdown := make([]opts.LineData, len(points))
	for i, p := range points {
		xAxis[i] = time.UnixMilli(p.TS).UTC().Format("01-02 15:04")
		equity[i] = opts.LineData{Value: p.Equity}
		drawdown[i] = opts.LineData{Value: p.Drawdown * 100}
	}

	title := fmt.Sprintf("%s %s %s", cfg.Strategy, cfg.Instrument, cfg.Timeframe)
	subtitle := fmt.Sprintf("return %.2f%% | max drawdown %.2f%% | fills %d | fees %.2f",
		stats.ReturnPct, stats.MaxDrawdownPct, stats.Fills, stats.FeesPaid)

	equityChart := charts.NewLine()
	equityChart.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:  types.ThemeWesteros,
			Width:  fmt.Sprintf("%dpx", reportWidthPx),
			Height: fmt.Sprintf("%dpx", reportHeightPx),
		}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle, Left: "left"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
	)
	equityChart.SetXAxis(xAxis)
	equityChart.AddSeries("Equity", equity,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	ddChart := charts.NewLine()
	ddChart.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:  types.ThemeWesteros,
			Width:  fmt.Sprintf("%dpx", reportWidthPx),
			Height: fmt.Sprintf("%dpx", reportHeightPx),
		}),
		charts.WithTitleOpts(opts.Title{Title: "Drawdown %", Left: "left"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	ddChart.SetXAxis(xAxis)
	ddChart.AddSeries("Drawdown", drawdown,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(equityChart, ddChart)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderHTMLToPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, 20*time.Second)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}
