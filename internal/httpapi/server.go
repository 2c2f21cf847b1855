// Package httpapi provides the HTTP API for scribed.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fernhealth/scribed/internal/config"
	"github.com/fernhealth/scribed/internal/fault"
	"github.com/fernhealth/scribed/internal/health"
	"github.com/fernhealth/scribed/internal/learning"
	"github.com/fernhealth/scribed/internal/outbox"
	"github.com/fernhealth/scribed/internal/session"
)

// Server provides HTTP endpoints for scribed.
type Server struct {
	echo     *echo.Echo
	sessions *session.Service
	learning *learning.Service
	outbox   *outbox.Service
	health   *health.Aggregator
	logger   *zap.Logger
	config   config.ServerConfig
}

// NewServer creates a new HTTP server.
func NewServer(sessions *session.Service, lrn *learning.Service, ob *outbox.Service, agg *health.Aggregator, logger *zap.Logger, cfg config.ServerConfig) (*Server, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session service cannot be nil")
	}
	if lrn == nil {
		return nil, fmt.Errorf("learning service cannot be nil")
	}
	if ob == nil {
		return nil, fmt.Errorf("outbox service cannot be nil")
	}
	if agg == nil {
		return nil, fmt.Errorf("health aggregator cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		sessions: sessions,
		learning: lrn,
		outbox:   ob,
		health:   agg,
		logger:   logger,
		config:   cfg,
	}

	s.registerRoutes()

	return s, nil
}

// Echo exposes the underlying router so callers can mount extra
// handlers, such as the Prometheus scrape endpoint.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")

	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/status", s.handleAdvanceStatus)
	v1.POST("/sessions/:id/finalize", s.handleFinalizeSession)
	v1.POST("/sessions/:id/requeue", s.handleRequeueSession)

	v1.POST("/sessions/:id/segments/:stage", s.handleAppendSegment)
	v1.GET("/sessions/:id/segments/:stage", s.handleListSegments)
	v1.POST("/sessions/:id/segments/:stage/:batch/complete", s.handleCompleteSegment)
	v1.POST("/sessions/:id/segments/:stage/:batch/fail", s.handleFailSegment)

	v1.GET("/outbox/:id", s.handleGetOutboxItem)
	v1.POST("/outbox/:id/requeue", s.handleRequeueOutboxItem)

	v1.POST("/learning/events", s.handleRecordEvent)
	v1.POST("/learning/evaluate", s.handleEvaluate)
	v1.GET("/rules", s.handleListRules)
	v1.GET("/rules/:signature", s.handleGetRule)
	v1.POST("/rules/:signature/force-shadow", s.handleForceShadow)
	v1.GET("/decisions", s.handleListDecisions)
}

// httpError maps a service error to an HTTP status.
func httpError(err error) error {
	switch {
	case fault.IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case fault.IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case fault.IsConflict(err):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// handleHealth returns the aggregated pipeline health snapshot.
func (s *Server) handleHealth(c echo.Context) error {
	snap, err := s.health.Snapshot(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// CreateSessionRequest is the request body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	PatientName    string `json:"patient_name"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid create session request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.IdempotencyKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "idempotency_key field is required")
	}

	sess, err := s.sessions.CreateSession(c.Request().Context(), req.IdempotencyKey, req.PatientName)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// AdvanceStatusRequest is the request body for POST /api/v1/sessions/:id/status.
type AdvanceStatusRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handleAdvanceStatus(c echo.Context) error {
	var req AdvanceStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.From == "" || req.To == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "from and to fields are required")
	}

	sess, err := s.sessions.AdvanceStatus(c.Request().Context(), c.Param("id"), session.Status(req.From), session.Status(req.To))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleFinalizeSession(c echo.Context) error {
	sess, err := s.sessions.FinalizeSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleRequeueSession(c echo.Context) error {
	sess, err := s.sessions.RequeueSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func segmentStage(raw string) (session.SegmentStage, error) {
	switch stage := session.SegmentStage(raw); stage {
	case session.StageAudio, session.StageTranscript, session.StageExtraction:
		return stage, nil
	default:
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown segment stage %q", raw))
	}
}

// AppendSegmentRequest is the request body for
// POST /api/v1/sessions/:id/segments/:stage.
type AppendSegmentRequest struct {
	BatchIndex int             `json:"batch_index"`
	Payload    json.RawMessage `json:"payload"`
	IsFinal    bool            `json:"is_final"`
}

func (s *Server) handleAppendSegment(c echo.Context) error {
	stage, err := segmentStage(c.Param("stage"))
	if err != nil {
		return err
	}

	var req AppendSegmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	seg, err := s.sessions.AppendSegment(c.Request().Context(), stage, session.AppendSegmentRequest{
		SessionID:  c.Param("id"),
		BatchIndex: req.BatchIndex,
		Payload:    req.Payload,
		IsFinal:    req.IsFinal,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, seg)
}

func (s *Server) handleListSegments(c echo.Context) error {
	stage, err := segmentStage(c.Param("stage"))
	if err != nil {
		return err
	}

	segments, err := s.sessions.ListSegments(c.Request().Context(), stage, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, segments)
}

func batchIndex(c echo.Context) (int, error) {
	idx, err := strconv.Atoi(c.Param("batch"))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "batch index must be an integer")
	}
	return idx, nil
}

// CompleteSegmentRequest is the request body for segment completion.
type CompleteSegmentRequest struct {
	Result json.RawMessage `json:"result"`
}

func (s *Server) handleCompleteSegment(c echo.Context) error {
	stage, err := segmentStage(c.Param("stage"))
	if err != nil {
		return err
	}
	idx, err := batchIndex(c)
	if err != nil {
		return err
	}

	var req CompleteSegmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	seg, err := s.sessions.CompleteSegment(c.Request().Context(), stage, c.Param("id"), idx, req.Result)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, seg)
}

// FailSegmentRequest is the request body for segment failure.
type FailSegmentRequest struct {
	Reason    string `json:"reason"`
	Permanent bool   `json:"permanent"`
}

func (s *Server) handleFailSegment(c echo.Context) error {
	stage, err := segmentStage(c.Param("stage"))
	if err != nil {
		return err
	}
	idx, err := batchIndex(c)
	if err != nil {
		return err
	}

	var req FailSegmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason field is required")
	}

	seg, err := s.sessions.FailSegment(c.Request().Context(), stage, c.Param("id"), idx, req.Reason, req.Permanent)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, seg)
}

func (s *Server) handleGetOutboxItem(c echo.Context) error {
	item, err := s.outbox.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (s *Server) handleRequeueOutboxItem(c echo.Context) error {
	item, err := s.outbox.Requeue(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

// RecordEventRequest is the request body for POST /api/v1/learning/events.
type RecordEventRequest struct {
	Event    learning.StructuredLearningEvent `json:"event"`
	RuleText string                           `json:"rule_text"`
	Rule     learning.RuleDefinition          `json:"rule"`
}

func (s *Server) handleRecordEvent(c echo.Context) error {
	var req RecordEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	rule, err := s.learning.RecordEvent(c.Request().Context(), req.Event, req.RuleText, req.Rule)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rule)
}

// EvaluateRequest is the request body for POST /api/v1/learning/evaluate.
type EvaluateRequest struct {
	CandidateIDs []string `json:"candidate_ids"`
	AIOutput     string   `json:"ai_output"`
	DoctorOutput string   `json:"doctor_output"`
	Source       string   `json:"source"`
	ArtifactType string   `json:"artifact_type"`

	EditDelta          *float64 `json:"edit_delta,omitempty"`
	HallucinationDelta *float64 `json:"hallucination_delta,omitempty"`
	InconsistencyDelta *float64 `json:"inconsistency_delta,omitempty"`
}

func (s *Server) handleEvaluate(c echo.Context) error {
	var req EvaluateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	decisions, err := s.learning.Evaluate(c.Request().Context(), learning.EvaluateRequest{
		CandidateIDs:       req.CandidateIDs,
		AIOutput:           req.AIOutput,
		DoctorOutput:       req.DoctorOutput,
		Source:             learning.Source(req.Source),
		ArtifactType:       req.ArtifactType,
		EditDelta:          req.EditDelta,
		HallucinationDelta: req.HallucinationDelta,
		InconsistencyDelta: req.InconsistencyDelta,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, decisions)
}

func (s *Server) handleListRules(c echo.Context) error {
	rules, err := s.learning.List(c.Request().Context(), learning.LifecycleState(c.QueryParam("state")))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rules)
}

func (s *Server) handleGetRule(c echo.Context) error {
	rule, err := s.learning.Get(c.Request().Context(), c.Param("signature"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rule)
}

// ForceShadowRequest is the request body for the rule kill switch.
type ForceShadowRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

func (s *Server) handleForceShadow(c echo.Context) error {
	var req ForceShadowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Operator == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "operator field is required")
	}

	decision, err := s.learning.ForceShadow(c.Request().Context(), c.Param("signature"), req.Operator, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, decision)
}

func (s *Server) handleListDecisions(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		limit = parsed
	}

	decisions, err := s.learning.Decisions(c.Request().Context(), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, decisions)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
