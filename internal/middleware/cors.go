package middleware

import (
	"net/http"
	"slices"
	"strings"
)

var corsHeaders = map[string]string{
	"Access-Control-Allow-Methods":  "GET, POST, OPTIONS",
	"Access-Control-Allow-Headers":  "Content-Type, Authorization, X-Trace-ID",
	"Access-Control-Expose-Headers": "X-Trace-ID",
	"Access-Control-Max-Age":        "3600",
}

// CORSMiddleware answers browser preflights and echoes allowed origins.
// Entries are exact origins, "*" for any origin, or "*.example.com" for
// subdomains of example.com (not example.com itself).
type CORSMiddleware struct {
	exact    []string
	suffixes []string
	allowAll bool
}

// NewCORSMiddleware parses the allowed origin list.
func NewCORSMiddleware(allowedOrigins []string) *CORSMiddleware {
	m := &CORSMiddleware{}
	for _, o := range allowedOrigins {
		switch {
		case o == "*":
			m.allowAll = true
		case strings.HasPrefix(o, "*."):
			m.suffixes = append(m.suffixes, o[1:])
		case o != "":
			m.exact = append(m.exact, o)
		}
	}
	return m
}

// Allowed reports whether origin may call the API.
func (m *CORSMiddleware) Allowed(origin string) bool {
	if m.allowAll || slices.Contains(m.exact, origin) {
		return true
	}
	return slices.ContainsFunc(m.suffixes, func(s string) bool {
		return strings.HasSuffix(origin, s)
	})
}

// Handler wraps next. Preflight requests never reach it.
func (m *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && m.Allowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			for k, v := range corsHeaders {
				h.Set(k, v)
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
