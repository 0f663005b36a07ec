package progress

import (
	"encoding/json"
	"net/http"

	"github.com/colorfulnotion/lightsync/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves
//
//	/metrics   Prometheus metrics from gatherer
//	/progress  the current snapshot as JSON
//	/ws        the websocket feed
//	/chart     the batch timing chart
//
// feed and gatherer may be nil to leave their routes out.
func Handler(tracker *Tracker, feed *Feed, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	if feed != nil {
		mux.Handle("/ws", feed)
	}
	mux.HandleFunc("/progress", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(tracker.Snapshot()); err != nil {
			log.Debug(log.ProgressMonitoring, "progress encode failed", "err", err)
		}
	})
	mux.HandleFunc("/chart", func(w http.ResponseWriter, r *http.Request) {
		if err := RenderChart(w, tracker.History()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return mux
}
