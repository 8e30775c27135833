package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/example/ec-realtime/internal/api/middleware"
	"github.com/example/ec-realtime/internal/auth"
	"github.com/example/ec-realtime/internal/realtime"
)

func NewRouter(handlers *Handlers, hub *realtime.Hub, jwtService *auth.JWTService, gatherer prometheus.Gatherer, log *logrus.Logger) http.Handler {
	mux := http.NewServeMux()

	authRequired := middleware.AuthMiddleware(jwtService)
	adminOnly := middleware.RequireAdmin()

	// Realtime. The hub does its own token check before upgrading.
	mux.HandleFunc("/ws", hub.ServeWS)

	// Public availability reads.
	mux.HandleFunc("/inventory/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/available"):
			handlers.GetAvailable(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// Checkout reservation lifecycle.
	mux.Handle("/checkout/reservations", authRequired(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handlers.CreateReservation(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})))

	mux.Handle("/checkout/reservations/", authRequired(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/commit") && r.Method == http.MethodPost:
			handlers.CommitReservation(w, r)
		case strings.HasSuffix(path, "/release") && r.Method == http.MethodPost:
			handlers.ReleaseReservation(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})))

	// Admin inventory management.
	mux.Handle("/admin/inventory/", authRequired(adminOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case path == "/admin/inventory/low-stock" && r.Method == http.MethodGet:
			handlers.GetLowStock(w, r)
		case r.Method == http.MethodPut:
			handlers.SetStock(w, r)
		case r.Method == http.MethodGet:
			handlers.GetStock(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))))

	// Admin order status fan-out.
	mux.Handle("/admin/orders/", authRequired(adminOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/status") && r.Method == http.MethodPost:
			handlers.UpdateOrderStatus(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))))

	// Operational endpoints.
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return withLogging(mux, log)
}

func withLogging(next http.Handler, log *logrus.Logger) http.Handler {
	entry := log.WithField("component", "http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		entry.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("request handled")
	})
}
