package daemon

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"relayhub/internal/agent"
	"relayhub/internal/config"
	"relayhub/internal/hub"
	"relayhub/internal/logger"
	"relayhub/internal/model"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type Server struct {
	echo    *echo.Echo
	manager *hub.Manager
	cfg     *config.Config
}

func NewServer(manager *hub.Manager, cfg *config.Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:    e,
		manager: manager,
		cfg:     cfg,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/", s.handleRoot)

	g := s.echo.Group("/v1", s.apiKeyMiddleware)
	g.GET("/nodes", s.handleNodes)
	g.GET("/remotes", s.handleRemotes)
	g.GET("/jobs", s.handleListJobs)
	g.POST("/jobs/plan", s.handlePlan)
	g.POST("/jobs/:kind", s.handleCreateJob)
	g.GET("/jobs/:uid", s.handleGetJob)
	g.GET("/jobs/:uid/checkpoints", s.handleCheckpoints)
	g.POST("/jobs/:uid/stop", s.handleStopJob)
	g.GET("/stream", s.handleStream)
}

func (s *Server) Start() {
	go func() {
		addr := ":" + strconv.Itoa(s.cfg.Port)
		logger.Log.Info("hub server started",
			zap.String("addr", addr))

		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("hub server error", zap.Error(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) apiKeyMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.APIKey == "" {
			return next(c)
		}

		key := c.Request().Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			return errorJSON(c, model.ErrAuthFailure)
		}
		return next(c)
	}
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"message": "relayhub is running, see /v1 for the API",
	})
}

func (s *Server) handleNodes(c echo.Context) error {
	return c.JSON(http.StatusOK, s.manager.Registry().Status())
}

func (s *Server) handleRemotes(c echo.Context) error {
	nodeID := c.QueryParam("node")
	if nodeID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "node query parameter required"})
	}

	remotes, err := s.manager.ListRemotes(c.Request().Context(), nodeID)
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{"remotes": remotes})
}

type planRequest struct {
	Node  string          `json:"node"`
	Kind  model.JobKind   `json:"kind"`
	Src   string          `json:"src"`
	Dst   string          `json:"dst"`
	Flags json.RawMessage `json:"flags"`
}

func (s *Server) handlePlan(c echo.Context) error {
	var req planRequest
	if err := c.Bind(&req); err != nil || req.Node == "" || req.Src == "" || req.Dst == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "node, src and dst required"})
	}
	if !req.Kind.Destructive() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "only move and sync require planning"})
	}

	flags, err := model.ParseFlags(req.Flags)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	token, ops, err := s.manager.PlanJob(c.Request().Context(), req.Node, req.Kind, req.Src, req.Dst, flags)
	if err != nil {
		return errorJSON(c, err)
	}

	if ops == nil {
		ops = []model.PlannedOp{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"token":             token,
		"plannedOperations": ops,
	})
}

type createJobRequest struct {
	Node        string          `json:"node"`
	Src         string          `json:"src"`
	Dst         string          `json:"dst"`
	Flags       json.RawMessage `json:"flags"`
	DryRunToken string          `json:"dryRunToken"`
}

func (s *Server) handleCreateJob(c echo.Context) error {
	kind := model.JobKind(c.Param("kind"))
	if !kind.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid job kind"})
	}

	idempotencyKey := c.Request().Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Idempotency-Key header required"})
	}

	var req createJobRequest
	if err := c.Bind(&req); err != nil || req.Node == "" || req.Src == "" || req.Dst == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "node, src and dst required"})
	}

	flags, err := model.ParseFlags(req.Flags)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	result, err := s.manager.CreateJob(c.Request().Context(), hub.CreateRequest{
		IdempotencyKey: idempotencyKey,
		Node:           req.Node,
		Kind:           kind,
		Src:            req.Src,
		Dst:            req.Dst,
		Flags:          flags,
		DryRunToken:    req.DryRunToken,
	})
	if err != nil {
		return errorJSON(c, err)
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	return c.JSON(status, map[string]string{"jobUid": result.UID})
}

func (s *Server) handleGetJob(c echo.Context) error {
	snap, err := s.manager.GetJob(c.Param("uid"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

const checkpointHistoryLimit = 50

type checkpointView struct {
	Bytes int64     `json:"bytes"`
	Files int64     `json:"files"`
	Speed float64   `json:"speed"`
	At    time.Time `json:"at"`
}

func (s *Server) handleCheckpoints(c echo.Context) error {
	ckpts, err := s.manager.RecentCheckpoints(c.Param("uid"), checkpointHistoryLimit)
	if err != nil {
		return errorJSON(c, err)
	}

	views := make([]checkpointView, 0, len(ckpts))
	for _, ck := range ckpts {
		views = append(views, checkpointView{
			Bytes: ck.Bytes,
			Files: ck.Files,
			Speed: ck.Speed,
			At:    ck.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"checkpoints": views})
}

func (s *Server) handleListJobs(c echo.Context) error {
	snaps, err := s.manager.ListJobs(c.QueryParam("node"), model.JobStatus(c.QueryParam("status")))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"jobs": snaps})
}

func (s *Server) handleStopJob(c echo.Context) error {
	uid := c.Param("uid")
	stopped, err := s.manager.StopJob(c.Request().Context(), uid)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"uid": uid, "stopped": stopped})
}

// handleStream serves newline-delimited JSON events for as long as the
// client stays connected: a snapshot of every non-terminal job first, then
// live events.
func (s *Server) handleStream(c echo.Context) error {
	events, unsub := s.manager.Streamer().Subscribe()
	defer unsub()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(resp)
	done := c.Request().Context().Done()

	for {
		select {
		case <-done:
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := enc.Encode(e); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}

// errorJSON maps the hub's error taxonomy onto stable HTTP codes.
func errorJSON(c echo.Context, err error) error {
	var unreachable *agent.UnreachableError
	var remote *agent.RemoteError

	switch {
	case errors.Is(err, model.ErrAuthFailure):
		return c.JSON(http.StatusUnauthorized, errBody("auth_failure", err))
	case errors.Is(err, model.ErrJobNotFound), errors.Is(err, model.ErrNodeNotFound):
		return c.JSON(http.StatusNotFound, errBody("not_found", err))
	case errors.Is(err, model.ErrQueueFull):
		return c.JSON(http.StatusTooManyRequests, errBody("queue_full", err))
	case errors.Is(err, model.ErrInvalidDryRunToken):
		return c.JSON(http.StatusBadRequest, errBody("invalid_dry_run_token", err))
	case errors.Is(err, model.ErrIdempotencyConflict):
		return c.JSON(http.StatusConflict, errBody("idempotency_conflict", err))
	case errors.As(err, &unreachable):
		return c.JSON(http.StatusBadGateway, errBody("agent_unreachable", err))
	case errors.As(err, &remote):
		return c.JSON(http.StatusBadGateway, errBody("agent_error", err))
	default:
		return c.JSON(http.StatusInternalServerError, errBody("internal", err))
	}
}

func errBody(code string, err error) map[string]string {
	return map[string]string{"code": code, "error": err.Error()}
}
