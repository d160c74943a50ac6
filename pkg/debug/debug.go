// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package debug serves the process's operational endpoints: Prometheus
// metrics, liveness and readiness endpoints, build info, pprof, and whatever
// inspection handlers other packages register.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/blobsource/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadyCheckTimeout bounds one /ready evaluation across all checks.
const ReadyCheckTimeout = 2 * time.Second

var errNotReady = errors.New("not ready")

var (
	ready atomic.Bool

	handlersMu sync.RWMutex
	handlers   = make(map[string]http.Handler)

	checksMu sync.RWMutex
	checks   = make(map[string]func(context.Context) error)

	buildInfo atomic.Value

	globalRegistry = prometheus.NewRegistry()
)

func SetReady()    { ready.Store(true) }
func SetNotReady() { ready.Store(false) }

// AddReadyCheck registers a named dependency check, typically a ping of a
// record store. The returned func removes it again. Registering a name twice
// replaces the earlier check.
func AddReadyCheck(name string, check func(context.Context) error) (remove func()) {
	checksMu.Lock()
	checks[name] = check
	checksMu.Unlock()
	return func() {
		checksMu.Lock()
		delete(checks, name)
		checksMu.Unlock()
	}
}

// CheckReady reports nil once SetReady was called and every registered check
// passes. Failures are joined, each prefixed with its check name, in name
// order.
func CheckReady(ctx context.Context) error {
	if !ready.Load() {
		return errNotReady
	}

	checksMu.RLock()
	fns := make(map[string]func(context.Context) error, len(checks))
	names := make([]string, 0, len(checks))
	for name, fn := range checks {
		fns[name] = fn
		names = append(names, name)
	}
	checksMu.RUnlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := fns[name](ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func IsReady() bool {
	ctx, cancel := context.WithTimeout(context.Background(), ReadyCheckTimeout)
	defer cancel()
	return CheckReady(ctx) == nil
}

// SetBuildInfo sets the value served as JSON on /version.
func SetBuildInfo(v any) {
	buildInfo.Store(&v)
}

// RegisterHandler registers a custom handler on the debug mux.
// Must be called before GetMux() to be included.
func RegisterHandler(pattern string, handler http.Handler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	handlers[pattern] = handler
}

func RegisterHandlerFunc(pattern string, handler http.HandlerFunc) {
	RegisterHandler(pattern, handler)
}

// Registry is where packages register their collectors. It is served on
// /metrics together with the default Go and process collectors.
func Registry() prometheus.Registerer {
	return globalRegistry
}

// WriteJSON encodes v as the response body.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("failed to encode debug response")
	}
}

func GetMux() *http.ServeMux {
	mux := http.NewServeMux()

	gatherers := prometheus.Gatherers{
		prometheus.DefaultGatherer,
		globalRegistry,
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))

	mux.Handle("/debug/", http.HandlerFunc(pprof.Index))
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex"} {
		mux.Handle("/debug/"+name+"/", pprof.Handler(name))
	}
	mux.Handle("/debug/cmdline", http.HandlerFunc(pprof.Cmdline))
	mux.Handle("/debug/profile", http.HandlerFunc(pprof.Profile))
	mux.Handle("/debug/symbol", http.HandlerFunc(pprof.Symbol))
	mux.Handle("/debug/trace", http.HandlerFunc(pprof.Trace))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", serveReady)
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		v, _ := buildInfo.Load().(*any)
		if v == nil {
			http.NotFound(w, r)
			return
		}
		WriteJSON(w, *v)
	})

	handlersMu.RLock()
	defer handlersMu.RUnlock()
	for pattern, handler := range handlers {
		mux.Handle(pattern, handler)
	}

	return mux
}

// serveReady answers 200 "ok", or 503 with one failing check per line.
func serveReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), ReadyCheckTimeout)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := CheckReady(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, err)
		return
	}
	fmt.Fprintln(w, "ok")
}
