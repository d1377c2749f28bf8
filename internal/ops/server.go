package ops

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/opsgate/internal/gate"
	"github.com/xela07ax/opsgate/internal/infra/auth"
	"github.com/xela07ax/opsgate/internal/producer"
	"github.com/xela07ax/opsgate/internal/store"
	"go.uber.org/zap"
)

// InvalidLister отдает записи, ушедшие в карантин.
type InvalidLister interface {
	InvalidIDs(ctx context.Context) ([]string, error)
}

// Server — операционный HTTP API движка: логин операторов, статус
// по состояниям, очередь заявок HITL, сводка аудита, ручной ввод событий.
type Server struct {
	router *chi.Mux
	logger *zap.Logger

	authService *AuthService
	items       store.Store
	approvals   store.ApprovalStore
	invalid     InvalidLister
	gate        *gate.Gate
	producer    *producer.Producer
	auditDir    string

	metricsHandler http.Handler
}

func NewServer(
	logger *zap.Logger,
	authService *AuthService,
	items store.Store,
	approvals store.ApprovalStore,
	invalid InvalidLister,
	g *gate.Gate,
	p *producer.Producer,
	auditDir string,
	metricsHandler http.Handler,
) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		logger:         logger.Named("ops-api"),
		authService:    authService,
		items:          items,
		approvals:      approvals,
		invalid:        invalid,
		gate:           g,
		producer:       p,
		auditDir:       auditDir,
		metricsHandler: metricsHandler,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.handleLogin)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		if s.metricsHandler != nil {
			r.Get("/metrics", s.metricsHandler.ServeHTTP)
		}
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authService, s.logger))

		// Статус движка: счетчики по состояниям + карантин
		r.Get("/api/v1/status", s.handleStatus)

		// Human-in-the-loop (Approvals)
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.handleListApprovals) // Очередь заявок на решение
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetApproval)
				r.Post("/decide", s.handleDecide) // Approve/Reject
			})
		})

		// Аудит: сводка по журналу
		r.Get("/v1/audit/summary", s.handleAuditSummary)

		// Ручной ввод события (оператор или скрипт)
		r.Post("/v1/events", s.handleSubmitEvent)
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
