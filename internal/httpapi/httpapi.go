package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"possync/internal/codec"
	"possync/internal/domain"
	"possync/internal/service"
	"possync/internal/store"
)

const roleTerminal = "terminal"

type API struct {
	terminal      *service.Terminal
	auth          *AuthManager
	allowedOrigin string
	tokenLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	csrfSecret    []byte
	upgrader      websocket.Upgrader
}

func New(terminal *service.Terminal, auth *AuthManager, allowedOrigin string) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	a := &API{
		terminal:      terminal,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		tokenLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		csrfSecret:    csrfSecret,
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     a.checkOrigin,
	}
	return a
}

// csrfTokenForHour is an HMAC-SHA256 of the hour bucket, hex encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken accepts the current and previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	currentBucket := time.Now().UTC().Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(currentBucket))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(prevBucket)))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/auth/token", a.handleToken)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/orders", a.requireAuth(a.handleOrders))
	mux.HandleFunc("/api/v1/orders/idempotency/", a.requireAuth(a.handleOrderLookup))
	mux.HandleFunc("/api/v1/orders/", a.requireAuth(a.handleOrderActions))
	mux.HandleFunc("/api/v1/state", a.requireAuth(a.handleState))
	mux.HandleFunc("/api/v1/shift/change", a.requireAuth(a.handleShift))
	mux.HandleFunc("/api/v1/day/close", a.requireAuth(a.handleDayClose))
	mux.HandleFunc("/api/v1/sync", a.requireAuth(a.handleSync))
	mux.HandleFunc("/api/v1/orders/feed", a.requireAuth(a.handleFeed))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if actor.Role != roleTerminal {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(withActor(r.Context(), actor)))
	}
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a websocket handshake, so upgrades may pass access_token in the query.
func bearerToken(r *http.Request) (string, bool) {
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		return strings.TrimSpace(authorization[len("Bearer "):]), true
	}
	if websocket.IsWebSocketUpgrade(r) {
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			return token, true
		}
	}
	return "", false
}

func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || a.allowedOrigin == "*" || origin == a.allowedOrigin
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"at":          time.Now().UTC().Format(time.RFC3339),
		"store":       a.terminal.StoreID(),
		"connected":   a.terminal.Connected(),
		"pendingSync": a.terminal.PendingSync(),
		"pending":     a.terminal.PendingOrders(),
	})
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.tokenLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many token attempts"))
		return
	}

	var req TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.IssueToken(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken hands out the token mutating requests must echo in
// X-CSRF-Token.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

var csrfExemptPaths = []string{
	"/api/v1/auth/token",
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		orders := a.terminal.Orders()
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), len(orders), 0)
		if limit < len(orders) {
			orders = orders[:limit]
		}
		writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
	case http.MethodPost:
		var draft domain.Order
		if err := decodeJSON(r, &draft); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if draft.IdemKey == "" {
			draft.IdemKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		}

		order, duplicate, err := a.terminal.CreateOrder(r.Context(), draft)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		pending := a.terminal.Connected() && order.CloudID == ""
		status := http.StatusCreated
		switch {
		case duplicate:
			status = http.StatusOK
		case pending:
			status = http.StatusAccepted
		}
		writeJSON(w, status, map[string]any{"order": order, "duplicate": duplicate, "pending": pending})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleOrderLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	key := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/api/v1/orders/idempotency/"))
	order, found, err := a.terminal.LookupOrder(r.Context(), key)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

type orderActionRequest struct {
	Done   *bool  `json:"done,omitempty"`
	Reason string `json:"reason,omitempty"`
	PIN    string `json:"pin,omitempty"`
	Note   string `json:"note,omitempty"`
}

// handleOrderActions serves POST /api/v1/orders/{orderNo}/{done|void|restock|note}.
func (a *API) handleOrderActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/orders/"), "/"), "/")
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, errors.New("unknown order action"))
		return
	}
	orderNo, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || orderNo <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("order number must be a positive integer"))
		return
	}

	var req orderActionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var order domain.Order
	switch parts[1] {
	case "done":
		done := true
		if req.Done != nil {
			done = *req.Done
		}
		order, err = a.terminal.MarkDone(r.Context(), orderNo, done)
	case "void":
		if !a.pinLimiter.Allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errors.New("too many pin attempts"))
			return
		}
		order, err = a.terminal.VoidOrder(r.Context(), orderNo, req.Reason, req.PIN)
	case "restock":
		order, err = a.terminal.RestockOrder(r.Context(), orderNo)
	case "note":
		order, err = a.terminal.SetNote(r.Context(), orderNo, req.Note)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown order action"))
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.writeState(w, a.terminal.State())
	case http.MethodPut:
		var patch domain.Document
		if err := decodeJSON(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		state, err := a.terminal.UpdateState(r.Context(), patch)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		a.writeState(w, state)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) writeState(w http.ResponseWriter, state domain.ApplicationState) {
	doc := store.ResolveServerTimestamps(codec.PackState(state), time.Now().UTC())
	writeJSON(w, http.StatusOK, map[string]any{
		"state":       doc,
		"pendingSync": a.terminal.PendingSync(),
	})
}

func (a *API) handleShift(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req struct {
		Worker string `json:"worker"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	day, err := a.terminal.ChangeShift(r.Context(), req.Worker)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dayMeta": day})
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	pushed, err := a.terminal.Sync(r.Context())
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{
			"error":         err.Error(),
			"pushed":        pushed,
			"pendingOrders": a.terminal.PendingOrders(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pushed":        pushed,
		"pendingOrders": a.terminal.PendingOrders(),
		"pendingSync":   a.terminal.PendingSync(),
	})
}

// handleDayClose purges the given range, defaulting to the current UTC day.
func (a *API) handleDayClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req struct {
		Start string `json:"start,omitempty"`
		End   string `json:"end,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	start := time.Now().UTC().Truncate(24 * time.Hour)
	end := start.Add(24*time.Hour - time.Millisecond)
	if req.Start != "" {
		parsed, ok := codec.ParseTime(req.Start)
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("start is not a valid time"))
			return
		}
		start = parsed
	}
	if req.End != "" {
		parsed, ok := codec.ParseTime(req.End)
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("end is not a valid time"))
			return
		}
		end = parsed
	}

	purged, err := a.terminal.CloseDay(r.Context(), start, end)
	if actor, ok := actorFromContext(r.Context()); ok {
		log.Info().Str("terminal", actor.Terminal).Int("purged", purged).Err(err).Msg("day close requested")
	}
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "purged": purged})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

type feedMessage struct {
	Seq    uint64         `json:"seq"`
	At     time.Time      `json:"at"`
	Orders []domain.Order `json:"orders"`
}

// handleFeed streams order snapshots over a websocket until either side
// goes away.
func (a *API) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	sub, err := a.terminal.Subscribe(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	defer sub.Close()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("feed upgrade failed")
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Time{})

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Err != nil {
				msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "order feed interrupted")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(feedMessage{Seq: ev.Snapshot.Seq, At: ev.Snapshot.At, Orders: ev.Snapshot.Orders}); err != nil {
				log.Debug().Err(err).Msg("feed client write failed")
				return
			}
		}
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(startedAt)).Msg("request")
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidPIN):
		return http.StatusForbidden
	case errors.Is(err, service.ErrAlreadyVoided), errors.Is(err, service.ErrNotVoided), errors.Is(err, service.ErrAlreadyRestocked):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrNotConfigured), store.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError hides the cause of 5xx responses from the client.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 && status != http.StatusServiceUnavailable {
		log.Error().Err(err).Int("status", status).Msg("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
