package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultPerMinute = 60
	defaultBurst     = 20
	idleLimiterTTL   = 10 * time.Minute
	maxSniffedBody   = 1 << 20
)

type RateLimitConfig struct {
	IPPerMinute        int
	IPBurst            int
	StructurePerMinute int
	StructureBurst     int
}

// RateLimiter throttles per client IP and per clinic structure so one busy
// front desk cannot starve the others.
type RateLimiter struct {
	byIP        *keyedLimiter
	byStructure *keyedLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		byIP:        newKeyedLimiter(cfg.IPPerMinute, cfg.IPBurst),
		byStructure: newKeyedLimiter(cfg.StructurePerMinute, cfg.StructureBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.byIP.allow(clientIP(r)) || !l.byStructure.allow(structureKey(r)) {
			writeError(w, requestID(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// keyedLimiter holds one rate.Limiter per key and forgets keys that have been
// quiet for idleLimiterTTL.
type keyedLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	now       func() time.Time
	limiters  map[string]*keyedEntry
	lastSweep time.Time
}

type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(perMinute, burst int) *keyedLimiter {
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &keyedLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*keyedEntry),
	}
}

// allow always lets an empty key through.
func (k *keyedLimiter) allow(key string) bool {
	if key == "" {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	k.sweep(now)
	entry, ok := k.limiters[key]
	if !ok {
		entry = &keyedEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (k *keyedLimiter) sweep(now time.Time) {
	if now.Sub(k.lastSweep) < idleLimiterTTL {
		return
	}
	k.lastSweep = now
	for key, entry := range k.limiters {
		if now.Sub(entry.lastSeen) >= idleLimiterTTL {
			delete(k.limiters, key)
		}
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// structureKey is the X-Structure-ID header, the structure_id query value,
// or the structure_id field of a JSON body, in that order.
func structureKey(r *http.Request) string {
	for _, candidate := range []string{r.Header.Get("X-Structure-ID"), r.URL.Query().Get("structure_id")} {
		if id := strings.TrimSpace(candidate); id != "" {
			return id
		}
	}
	if !hasJSONBody(r) {
		return ""
	}
	return structureFromBody(r)
}

func hasJSONBody(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	return strings.Contains(r.Header.Get("Content-Type"), "application/json")
}

// structureFromBody reads the body and puts it back for the handler.
func structureFromBody(r *http.Request) string {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxSniffedBody))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return ""
	}

	var payload struct {
		StructureID string `json:"structure_id"`
	}
	if json.Unmarshal(raw, &payload) != nil {
		return ""
	}
	return strings.TrimSpace(payload.StructureID)
}
