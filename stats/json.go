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

/*
Package stats is the facade's metrics surface: a passive JSON/HTTP
reporter and a Prometheus exporter that scrapes it, so both surfaces
always agree.
*/
package stats

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Reporter is what the reactor and registries update as they run.
type Reporter interface {
	IncRequests()
	IncResponses()
	IncInvalidFormat()
	IncDrops()
	SetOffset(peer string, offsetNs int32)
	SetIterativeCount(n int)
	SetSubscriberCount(n int)
}

// JSONStats is a passive Reporter that exports its counters as JSON
// over HTTP. Only Start needs to be called; Report does nothing since
// there is nowhere further to push to.
type JSONStats struct {
	// keep these aligned to 64-bit for sync/atomic
	requests      int64
	responses     int64
	invalidFormat int64
	drops         int64
	iterative     int64
	subscribers   int64

	mu      sync.Mutex
	offsets map[string]int32

	prefix string
}

// NewJSONStats returns a ready-to-use JSONStats reporter.
func NewJSONStats() *JSONStats {
	return &JSONStats{offsets: make(map[string]int32)}
}

// IncRequests atomically adds 1 to the request counter.
func (j *JSONStats) IncRequests() { atomic.AddInt64(&j.requests, 1) }

// IncResponses atomically adds 1 to the response counter.
func (j *JSONStats) IncResponses() { atomic.AddInt64(&j.responses, 1) }

// IncInvalidFormat atomically adds 1 to the malformed-datagram counter.
func (j *JSONStats) IncInvalidFormat() { atomic.AddInt64(&j.invalidFormat, 1) }

// IncDrops atomically adds 1 to the dropped-packet counter (unknown
// exchange state, send/receive errors).
func (j *JSONStats) IncDrops() { atomic.AddInt64(&j.drops, 1) }

// SetOffset records the latest smoothed offset for peer.
func (j *JSONStats) SetOffset(peer string, offsetNs int32) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.offsets[peer] = offsetNs
}

// SetIterativeCount records the current number of active iterative
// time requests.
func (j *JSONStats) SetIterativeCount(n int) { atomic.StoreInt64(&j.iterative, int64(n)) }

// SetSubscriberCount records the current number of active subscribers.
func (j *JSONStats) SetSubscriberCount(n int) { atomic.StoreInt64(&j.subscribers, int64(n)) }

// SetPrefix namespaces every exported key, mirroring the multi-service
// JSON reporter this type is modeled on.
func (j *JSONStats) SetPrefix(prefix string) {
	j.prefix = prefix
}

// Report is a no-op: JSONStats is scraped, not pushed.
func (j *JSONStats) Report() error {
	return nil
}

// Counters returns every exported metric as a flat name -> value map,
// the single source of truth both the JSON HTTP handler and the
// Prometheus exporter read from.
func (j *JSONStats) Counters() map[string]float64 {
	out := map[string]float64{
		fmt.Sprintf("%srequests", j.prefix):           float64(atomic.LoadInt64(&j.requests)),
		fmt.Sprintf("%sresponses", j.prefix):          float64(atomic.LoadInt64(&j.responses)),
		fmt.Sprintf("%sinvalidformat", j.prefix):      float64(atomic.LoadInt64(&j.invalidFormat)),
		fmt.Sprintf("%sdrops", j.prefix):              float64(atomic.LoadInt64(&j.drops)),
		fmt.Sprintf("%siterative_requests", j.prefix): float64(atomic.LoadInt64(&j.iterative)),
		fmt.Sprintf("%ssubscribers", j.prefix):        float64(atomic.LoadInt64(&j.subscribers)),
	}

	j.mu.Lock()
	for peer, offset := range j.offsets {
		out[fmt.Sprintf("%soffset.%s", j.prefix, peer)] = float64(offset)
	}
	j.mu.Unlock()

	return out
}

func (j *JSONStats) handleCounters(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(j.Counters())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(js)
}

// Start launches the JSON HTTP server on port. It blocks; call it from
// its own goroutine.
func (j *JSONStats) Start(port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/counters", j.handleCounters)
	addr := fmt.Sprintf(":%d", port)
	log.Debugf("Starting stats http server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("stats http server stopped: %v", err)
	}
}
