// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/time/rate"

	"github.com/glyphd/glyphd/lib/clock"
)

// middlewareConfig is the subset of config the outer HTTP layers
// need.
type middlewareConfig struct {
	rateLimitPerSecond float64
	rateLimitBurst     int
	corsOrigins        []string
}

// buildMiddleware wraps the route mux with the outer layers, applied
// to every request: rate limiting, CORS, security headers, and gzip.
func buildMiddleware(cfg middlewareConfig, clk clock.Clock, logger *slog.Logger, next http.Handler) http.Handler {
	handler := next
	handler = securityHeaders(handler)
	handler = corsMiddleware(cfg.corsOrigins, handler)
	if cfg.rateLimitPerSecond > 0 {
		limiter := newIPRateLimiter(cfg.rateLimitPerSecond, cfg.rateLimitBurst, clk)
		handler = limiter.middleware(logger, handler)
	}
	return gzhttp.GzipHandler(handler)
}

// securityHeaders sets the standard response hardening headers.
// Favicon responses render in browser tabs and the pasted-image
// responses render in extension popups; nosniff and frame denial keep
// them from being repurposed.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("X-Content-Type-Options", "nosniff")
		header.Set("X-Frame-Options", "DENY")
		header.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows cross-origin calls from the configured
// origins only (the browser extension). Requests with no Origin
// header — curl, the VS Code extension, same-origin — pass through
// untouched.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		allowed[origin] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			header := w.Header()
			header.Set("Access-Control-Allow-Origin", origin)
			header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			header.Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ipRateLimiter keeps one token bucket per client IP. Time comes from
// the injected clock, so the buckets are deterministic under test.
type ipRateLimiter struct {
	limit rate.Limit
	burst int
	clock clock.Clock

	mu      sync.Mutex
	clients map[string]*ipClient
}

type ipClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// maxTrackedClients bounds the per-IP map. When exceeded, buckets
// idle for more than idleEviction are dropped.
const (
	maxTrackedClients = 10000
	idleEviction      = 10 * time.Minute
)

func newIPRateLimiter(perSecond float64, burst int, clk clock.Clock) *ipRateLimiter {
	return &ipRateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		clock:   clk,
		clients: make(map[string]*ipClient),
	}
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	client, ok := l.clients[ip]
	if !ok {
		if len(l.clients) >= maxTrackedClients {
			l.evictIdleLocked(now)
		}
		client = &ipClient{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = client
	}
	client.lastSeen = now
	return client.limiter.AllowN(now, 1)
}

func (l *ipRateLimiter) evictIdleLocked(now time.Time) {
	for ip, client := range l.clients {
		if now.Sub(client.lastSeen) > idleEviction {
			delete(l.clients, ip)
		}
	}
}

func (l *ipRateLimiter) middleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.allow(ip) {
			logger.Warn("rate limit exceeded", "remote", ip)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
