// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "depthbook_feed_frames_total", Help: "Decoded feed frames by kind"},
		[]string{"kind"},
	)
	MalformedFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "depthbook_feed_malformed_frames_total", Help: "Frames dropped because they could not be decoded"},
	)
	StaleMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "depthbook_feed_stale_messages_total", Help: "Messages dropped because they belong to a closed subscription"},
	)
	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "depthbook_feed_reconnects_total", Help: "Transport reconnect attempts"},
	)
	FeedConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "depthbook_feed_connected", Help: "1 while the feed transport is connected"},
	)
	SkippedEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "depthbook_book_skipped_entries_total", Help: "Book entries skipped because they were malformed"},
	)
	RejectedTickersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "depthbook_ticker_rejected_total", Help: "Ticker messages rejected as wholly invalid"},
	)
	BookLevels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "depthbook_book_levels", Help: "Raw price levels per side"},
		[]string{"side"},
	)
	ViewsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "depthbook_views_published_total", Help: "Book views pushed to the cache and signal bus"},
	)
)

func init() {
	prometheus.MustRegister(
		FramesTotal, MalformedFramesTotal, StaleMessagesTotal, ReconnectsTotal, FeedConnected,
		SkippedEntriesTotal, RejectedTickersTotal, BookLevels, ViewsPublishedTotal,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
