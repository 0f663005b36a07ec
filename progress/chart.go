package progress

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// batchChart plots batch duration and block rate by batch end height.
func batchChart(samples []BatchSample) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Sync batch timing",
			Subtitle: fmt.Sprintf("last %d batches", len(samples)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)

	heights := make([]string, 0, len(samples))
	millis := make([]opts.LineData, 0, len(samples))
	rates := make([]opts.LineData, 0, len(samples))
	for _, s := range samples {
		heights = append(heights, fmt.Sprint(s.End))
		millis = append(millis, opts.LineData{Value: s.Duration.Milliseconds()})
		var rate float64
		if secs := s.Duration.Seconds(); secs > 0 {
			rate = float64(s.End-s.Start+1) / secs
		}
		rates = append(rates, opts.LineData{Value: rate})
	}
	line.SetXAxis(heights).
		AddSeries("batch ms", millis).
		AddSeries("blocks/s", rates).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))
	return line
}

// RenderChart writes an HTML page with the batch timing chart of samples.
func RenderChart(w io.Writer, samples []BatchSample) error {
	page := components.NewPage()
	page.AddCharts(batchChart(samples))
	return page.Render(w)
}
