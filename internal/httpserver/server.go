package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/xtrdev/rondevu/internal/config"
	"github.com/xtrdev/rondevu/internal/telemetry"
	"github.com/xtrdev/rondevu/pkg/authgate"
	"github.com/xtrdev/rondevu/pkg/rpc"
)

// Server holds the HTTP server dependencies. DB and Redis are nil when the
// deployment runs the in-memory backend — readyz degrades gracefully.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	dispatch  *rpc.Dispatcher
	startedAt time.Time
}

// NewServer wires the RPC dispatcher behind /rpc along with health, metrics,
// and the standard middleware chain.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, dispatch *rpc.Dispatcher) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		dispatch:  dispatch,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-Name", "X-Timestamp", "X-Nonce", "X-Signature"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	s.Router.Post("/rpc", s.handleRPC)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz pings whichever infrastructure this deployment actually uses.
// A nil DB or Redis client means that backend isn't wired for this run (e.g.
// the in-memory storage/rate-limit mode) and is skipped rather than failed.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.DB != nil {
		if err := s.DB.Ping(ctx); err != nil {
			s.Logger.Error("readiness check: database ping failed", "error", err)
			RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
			return
		}
	}

	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			s.Logger.Error("readiness check: redis ping failed", "error", err)
			RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
			return
		}
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// requestHeaders pulls the four auth headers a signed call carries. Public
// methods (generateCredentials, discover) ignore these.
func requestHeaders(r *http.Request) authgate.Headers {
	return authgate.Headers{
		Name:      r.Header.Get("X-Name"),
		Timestamp: r.Header.Get("X-Timestamp"),
		Nonce:     r.Header.Get("X-Nonce"),
		Signature: r.Header.Get("X-Signature"),
	}
}

// clientIP checks CF-Connecting-IP, then X-Real-IP, then the leftmost
// X-Forwarded-For hop, and returns "" when none is present; the dispatcher
// then uses its shared fallback buckets. The dispatcher only uses this for
// rate-limit bucketing, so a spoofed header at worst shares or fragments a
// bucket — it is not a trust boundary for authentication.
func clientIP(r *http.Request) string {
	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		return strings.TrimSpace(cf)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	return ""
}

const maxRPCBodyBytes = 1 << 20 // 1 MiB

// handleRPC decodes a batch of RPC requests and dispatches them.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	defer body.Close()

	var requests []rpc.Request
	if err := json.NewDecoder(body).Decode(&requests); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "body must be a JSON array of {method, params} requests")
		return
	}

	telemetry.RPCBatchSize.Observe(float64(len(requests)))

	responses := s.dispatch.Handle(r.Context(), requests, requestHeaders(r), clientIP(r), time.Now())

	for i := range responses {
		method := ""
		if i < len(requests) {
			method = requests[i].Method
		}
		telemetry.RPCRequestsTotal.WithLabelValues(method, responses[i].ErrorCode).Inc()
	}

	Respond(w, http.StatusOK, responses)
}
