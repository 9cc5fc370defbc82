// Package httpapi exposes the evidence services over HTTP.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/evidence_layer/internal/app/metrics"
	"github.com/R3E-Network/evidence_layer/internal/app/services/admin"
	"github.com/R3E-Network/evidence_layer/internal/app/services/registration"
	"github.com/R3E-Network/evidence_layer/internal/app/services/verification"
	"github.com/R3E-Network/evidence_layer/internal/httputil"
	"github.com/R3E-Network/evidence_layer/internal/middleware"
	"github.com/R3E-Network/evidence_layer/internal/notify"
	"github.com/R3E-Network/evidence_layer/pkg/logger"
)

// Services are the handlers' backends. Admin and Notifications may be nil.
type Services struct {
	Registration  *registration.Service
	Verification  *verification.Service
	Admin         *admin.Service
	Notifications *notify.Broadcaster
}

// Options configure the router.
type Options struct {
	Verifier       middleware.TokenVerifier
	RateLimiter    *middleware.RateLimiter
	AllowedOrigins []string
	// MaxUploadBytes caps the multipart body. Zero uses
	// registration.DefaultMaxFileSize.
	MaxUploadBytes int64
	Log            *logger.Logger
}

type handler struct {
	svc     Services
	log     *logger.Logger
	origins []string
	maxBody int64
}

// NewHandler builds the API router with its middleware chain.
func NewHandler(svc Services, opts Options) http.Handler {
	if opts.Log == nil {
		opts.Log = logger.NewDefault("httpapi")
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = registration.DefaultMaxFileSize
	}
	h := &handler{svc: svc, log: opts.Log, origins: opts.AllowedOrigins, maxBody: opts.MaxUploadBytes}

	router := mux.NewRouter()
	router.Use(metrics.Middleware)

	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.NewAuthMiddleware(opts.Verifier, opts.Log.Named("auth"), nil).Handler)
	if opts.RateLimiter != nil {
		api.Use(opts.RateLimiter.Handler)
	}

	api.HandleFunc("/evidence", h.submit).Methods(http.MethodPost)
	api.HandleFunc("/evidence", h.list).Methods(http.MethodGet)
	api.HandleFunc("/evidence/stream", h.stream).Methods(http.MethodGet)
	api.HandleFunc("/evidence/{id}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/evidence/{id}/verify", h.verify).Methods(http.MethodPost)
	api.HandleFunc("/evidence/{id}/download", h.download).Methods(http.MethodGet)
	api.HandleFunc("/wallet", h.wallet).Methods(http.MethodGet)
	api.HandleFunc("/wallet/connect", h.connectWallet).Methods(http.MethodPost)
	if svc.Admin != nil {
		api.Handle("/admin/stats", middleware.RequireAdmin(http.HandlerFunc(h.stats))).Methods(http.MethodGet)
	}

	var out http.Handler = router
	out = middleware.NewCORSMiddleware(opts.AllowedOrigins).Handler(out)
	out = middleware.NewTracingMiddleware(opts.Log.Named("http")).Handler(out)
	return out
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
