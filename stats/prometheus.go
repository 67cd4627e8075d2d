/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// PrometheusExporter periodically scrapes a JSONStats server's
// /counters endpoint and re-exposes it as Prometheus gauges. It is a
// thin adapter over the JSON surface rather than a second source of
// truth, the way ptp/sptp/stats.PrometheusExporter re-exports sptp's
// own JSON counters.
type PrometheusExporter struct {
	registry   *prometheus.Registry
	listenPort int
	statsURL   string
	interval   time.Duration
}

// NewPrometheusExporter creates an exporter that serves on listenPort
// and scrapes statsURL (a JSONStats base URL) every scrapeInterval.
func NewPrometheusExporter(listenPort int, statsURL string, scrapeInterval time.Duration) *PrometheusExporter {
	return &PrometheusExporter{
		registry:   prometheus.NewRegistry(),
		listenPort: listenPort,
		statsURL:   statsURL,
		interval:   scrapeInterval,
	}
}

// Start begins periodic scraping and blocks serving /metrics.
func (e *PrometheusExporter) Start() {
	go func() {
		for {
			e.scrapeMetrics()
			time.Sleep(e.interval)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", e.listenPort), mux))
}

func (e *PrometheusExporter) scrapeMetrics() {
	counters, err := FetchCounters(e.statsURL)
	if err != nil {
		log.Errorf("failed to fetch clockoffset stats: %v", err)
		return
	}
	for key, val := range counters {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: flattenKey(key),
			Help: key,
		})
		if err := e.registry.Register(gauge); err != nil {
			are := &prometheus.AlreadyRegisteredError{}
			if errors.As(err, are) {
				gauge = are.ExistingCollector.(prometheus.Gauge)
			} else {
				log.Errorf("failed to register metric %s: %v", key, err)
				continue
			}
		}
		gauge.Set(val)
	}
}

func flattenKey(key string) string {
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, ":", "_")
	key = strings.ReplaceAll(key, "/", "_")
	return key
}
