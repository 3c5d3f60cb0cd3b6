package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vonnegut/vonnegut/internal/registry"
)

// debugTopic mirrors registry.TopicInfo for the /debug/topics JSON
// response; kept distinct from the registry type so the HTTP shape can
// evolve independently of the internal one.
type debugTopic struct {
	Topic      string `json:"topic"`
	Partitions int32  `json:"partitions"`
}

// newAdminRouter builds the process's non-wire HTTP surface: Prometheus
// metrics, a liveness check, and a read-only topic listing for
// operators, in the gorilla/mux style the teacher's query-path HTTP
// servers use for route registration.
func newAdminRouter(reg *registry.Registry) http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/debug/topics", func(w http.ResponseWriter, _ *http.Request) {
		topics := reg.List()
		out := make([]debugTopic, len(topics))
		for i, t := range topics {
			out[i] = debugTopic{Topic: t.Topic, Partitions: t.PartitionCount}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}).Methods(http.MethodGet)

	return r
}
