// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/glyphd/glyphd/lib/breaker"
	"github.com/glyphd/glyphd/lib/clock"
	"github.com/glyphd/glyphd/lib/favicon"
	"github.com/glyphd/glyphd/lib/imagestore"
	"github.com/glyphd/glyphd/lib/lru"
	"github.com/glyphd/glyphd/lib/notify"
	"github.com/glyphd/glyphd/lib/pathguard"
	"github.com/glyphd/glyphd/lib/registry"
	"github.com/glyphd/glyphd/lib/service"
)

// cachedIcon is what the favicon LRU holds: rendered (or loaded)
// bytes plus their media type.
type cachedIcon struct {
	body        []byte
	contentType string
}

// Handler carries the wired components behind the HTTP surface.
type Handler struct {
	logger   *slog.Logger
	guard    *pathguard.Guard
	registry *registry.Cache
	icons    *lru.Cache[cachedIcon]
	images   *imagestore.Store
	queue    *notify.Queue
	clock    clock.Clock

	// breakerSnapshot reports the relay breaker for the stats
	// surface; nil when no upstream is configured.
	breakerSnapshot func() breaker.Snapshot

	adminTokenHash string
	maxUploadBytes int64
}

// HandlerConfig wires a Handler. All fields except BreakerSnapshot
// and AdminTokenHash are required.
type HandlerConfig struct {
	Logger          *slog.Logger
	Guard           *pathguard.Guard
	Registry        *registry.Cache
	Icons           *lru.Cache[cachedIcon]
	Images          *imagestore.Store
	Queue           *notify.Queue
	Clock           clock.Clock
	BreakerSnapshot func() breaker.Snapshot
	AdminTokenHash  string
	MaxUploadBytes  int64
}

// NewHandler builds the route table. The returned handler has no
// middleware applied; main wraps it via buildMiddleware.
func NewHandler(cfg HandlerConfig) *Handler {
	for name, missing := range map[string]bool{
		"Logger":   cfg.Logger == nil,
		"Guard":    cfg.Guard == nil,
		"Registry": cfg.Registry == nil,
		"Icons":    cfg.Icons == nil,
		"Images":   cfg.Images == nil,
		"Queue":    cfg.Queue == nil,
		"Clock":    cfg.Clock == nil,
	} {
		if missing {
			panic("glyphd.Handler: " + name + " is required")
		}
	}

	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 8 * 1024 * 1024
	}

	return &Handler{
		logger:          cfg.Logger,
		guard:           cfg.Guard,
		registry:        cfg.Registry,
		icons:           cfg.Icons,
		images:          cfg.Images,
		queue:           cfg.Queue,
		clock:           cfg.Clock,
		breakerSnapshot: cfg.BreakerSnapshot,
		adminTokenHash:  cfg.AdminTokenHash,
		maxUploadBytes:  maxUpload,
	}
}

// Routes returns the service mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /favicon", h.handleFavicon)
	mux.HandleFunc("GET /favicon/{folder...}", h.handleFavicon)

	mux.HandleFunc("POST /api/notifications", h.handleNotifyAdd)
	mux.HandleFunc("GET /api/notifications", h.handleNotifyPoll)
	mux.HandleFunc("POST /api/notifications/delivered", h.handleNotifyDelivered)

	mux.HandleFunc("POST /api/images", h.handleImageUpload)
	mux.HandleFunc("GET /images/{id}", h.handleImageGet)

	admin := h.requireAdmin
	mux.HandleFunc("GET /api/admin/stats", admin(h.handleAdminStats))
	mux.HandleFunc("POST /api/admin/registry/invalidate", admin(h.handleAdminInvalidate))
	mux.HandleFunc("POST /api/admin/cache/clear", admin(h.handleAdminCacheClear))
	mux.HandleFunc("POST /api/admin/images/prune", admin(h.handleAdminImagesPrune))

	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

// --- Favicon ---

// forbidden is the single response every path rejection maps to. One
// generic status, no detail: the response must not teach a prober
// which validation layer tripped.
func forbidden(w http.ResponseWriter) {
	http.Error(w, "forbidden", http.StatusForbidden)
}

func (h *Handler) handleFavicon(w http.ResponseWriter, r *http.Request) {
	input := r.URL.Query().Get("path")
	if input == "" {
		if folder := r.PathValue("folder"); folder != "" {
			input = "/" + folder
		}
	}

	result := h.guard.Validate(input)
	if !result.Valid {
		h.logger.Warn("favicon path rejected",
			"kind", string(result.Kind),
			"symlink_escape", result.SymlinkEscape,
			"remote", r.RemoteAddr,
		)
		forbidden(w)
		return
	}

	view := h.registry.Get(r.Context())
	project := favicon.Project{Name: projectName(result, view)}
	if entry, ok := lookupEntry(result, view); ok {
		project.Prod = entry.Kind == registry.KindProd
	}

	key := result.ResolvedPath + "\x00" + project.Name + "\x00" + strconv.FormatBool(project.Prod)
	if icon, ok := h.icons.Get(key); ok {
		serveIcon(w, icon)
		return
	}

	icon := h.renderIcon(result.ResolvedPath, project)
	h.icons.Set(key, icon)
	serveIcon(w, icon)
}

// renderIcon prefers a project-supplied favicon file, falling back to
// the generated monogram SVG.
func (h *Handler) renderIcon(resolvedPath string, project favicon.Project) cachedIcon {
	if path, ok := favicon.FindCustom(resolvedPath); ok {
		body, err := os.ReadFile(path)
		if err == nil {
			return cachedIcon{body: body, contentType: favicon.ContentType(path)}
		}
		h.logger.Warn("custom favicon unreadable, generating instead",
			"path", path, "error", err)
	}
	return cachedIcon{body: favicon.Generate(project), contentType: "image/svg+xml"}
}

func serveIcon(w http.ResponseWriter, icon cachedIcon) {
	w.Header().Set("Content-Type", icon.contentType)
	w.Header().Set("Cache-Control", "max-age=300")
	w.Write(icon.body)
}

// lookupEntry finds the registry entry for a validated path, trying
// the symlink-resolved path first and the sanitized input second
// (registry paths may themselves be the symlinked spelling).
func lookupEntry(result pathguard.Result, view *registry.View) (*registry.Entry, bool) {
	if entry, ok := view.Lookup(result.ResolvedPath); ok {
		return entry, ok
	}
	return view.Lookup(result.SanitizedPath)
}

// projectName picks the display name: the registry entry's name when
// the project is registered, the folder basename otherwise.
func projectName(result pathguard.Result, view *registry.View) string {
	if entry, ok := lookupEntry(result, view); ok && entry.Name != "" {
		return entry.Name
	}
	return pathBase(result.SanitizedPath)
}

func pathBase(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// --- Notifications ---

func (h *Handler) handleNotifyAdd(w http.ResponseWriter, r *http.Request) {
	var n notify.Notification
	if err := decodeJSON(w, r, &n); err != nil {
		return
	}

	id, err := h.queue.Add(r.Context(), n)
	if err != nil {
		h.logger.Warn("notification rejected", "error", err)
		http.Error(w, "invalid notification", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (h *Handler) handleNotifyPoll(w http.ResponseWriter, r *http.Request) {
	after, err := parseInt64(r.URL.Query().Get("after"), 0)
	if err != nil {
		http.Error(w, "invalid after cursor", http.StatusBadRequest)
		return
	}
	limit, err := parseInt64(r.URL.Query().Get("limit"), 0)
	if err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}

	pending, err := h.queue.PendingSince(r.Context(), after, int(limit))
	if err != nil {
		h.serverError(w, "listing notifications", err)
		return
	}
	if pending == nil {
		pending = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": pending})
}

func (h *Handler) handleNotifyDelivered(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	marked, err := h.queue.MarkDelivered(r.Context(), req.IDs)
	if err != nil {
		h.serverError(w, "marking delivered", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"marked": marked})
}

// --- Images ---

func (h *Handler) handleImageUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "image too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	mediaType := r.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	id, err := h.images.Put(data, mediaType)
	if err != nil {
		h.logger.Warn("image upload rejected", "error", err)
		http.Error(w, "invalid image", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (h *Handler) handleImageGet(w http.ResponseWriter, r *http.Request) {
	data, meta, err := h.images.Get(r.PathValue("id"))
	switch {
	case errors.Is(err, imagestore.ErrInvalidID), errors.Is(err, imagestore.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
		return
	case err != nil:
		h.serverError(w, "reading image", err)
		return
	}

	w.Header().Set("Content-Type", meta.MediaType)
	// Content-addressed: the bytes under this URL can never change.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Write(data)
}

// --- Admin ---

// requireAdmin wraps admin handlers with token authentication. Every
// failure mode returns the same generic response.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if err := service.VerifyAdminToken(h.adminTokenHash, token); err != nil {
			h.logger.Warn("admin request rejected", "remote", r.RemoteAddr)
			forbidden(w)
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	imageCount, err := h.images.Count()
	if err != nil {
		h.serverError(w, "counting images", err)
		return
	}

	stats := map[string]any{
		"registry": h.registry.Stats(),
		"favicons": h.icons.Stats(),
		"images":   map[string]any{"count": imageCount},
	}
	if h.breakerSnapshot != nil {
		snapshot := h.breakerSnapshot()
		stats["breaker"] = map[string]any{
			"state":                snapshot.State.String(),
			"consecutive_failures": snapshot.ConsecutiveFailures,
			"current_backoff_ms":   snapshot.CurrentBackoff.Milliseconds(),
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleAdminInvalidate(w http.ResponseWriter, r *http.Request) {
	h.registry.Invalidate()
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": true})
}

func (h *Handler) handleAdminCacheClear(w http.ResponseWriter, r *http.Request) {
	h.icons.Clear()
	h.registry.ResetStats()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (h *Handler) handleAdminImagesPrune(w http.ResponseWriter, r *http.Request) {
	maxAge := 30 * 24 * time.Hour
	if raw := r.URL.Query().Get("max_age"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid max_age", http.StatusBadRequest)
			return
		}
		maxAge = parsed
	}

	pruned, err := h.images.Prune(maxAge)
	if err != nil {
		h.serverError(w, "pruning images", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pruned": pruned})
}

// --- Shared helpers ---

func (h *Handler) serverError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("request failed", "op", op, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := decoder.Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseInt64(raw string, fallback int64) (int64, error) {
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return value, nil
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
