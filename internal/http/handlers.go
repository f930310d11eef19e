package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/curation"
	"github.com/fyrsmithlabs/playbookd/internal/engine"
	"github.com/fyrsmithlabs/playbookd/internal/playbook"
)

const (
	defaultLimit = 20
	maxLimit     = 200
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Bullets int    `json:"bullets"`
}

// CurateRequest is the request body for POST /api/v1/curate.
type CurateRequest struct {
	Deltas json.RawMessage `json:"deltas"`
	DryRun bool            `json:"dryRun,omitempty"`
}

// CurateResponse is the response body for POST /api/v1/curate.
type CurateResponse struct {
	Result       *curation.Result `json:"result"`
	DecodeErrors []string         `json:"decodeErrors,omitempty"`
}

// ReflectRequest is the request body for POST /api/v1/reflect.
type ReflectRequest struct {
	Diary       string `json:"diary"`
	SessionPath string `json:"sessionPath,omitempty"`
	Gate        *bool  `json:"gate,omitempty"`
	DryRun      bool   `json:"dryRun,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	pb, err := s.current(c.Request().Context())
	if err != nil {
		s.logger.Warn("health check could not load playbook", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Bullets: len(pb.Bullets)})
}

// handleBullets ranks servable bullets against ?q= and returns at most
// ?limit= of them, with deprecated-pattern warnings for the query.
func (s *Server) handleBullets(c echo.Context) error {
	limit, err := queryInt(c, "limit", defaultLimit)
	if err != nil {
		return err
	}
	limit = min(limit, maxLimit)

	pb, err := s.current(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, engine.Serve(pb, c.QueryParam("q"), limit, s.now(), s.config.Scoring))
}

func (s *Server) handleBullet(c echo.Context) error {
	pb, err := s.current(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	b, err := pb.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (s *Server) handleStats(c echo.Context) error {
	top, err := queryInt(c, "top", 5)
	if err != nil {
		return err
	}
	stats, err := s.engine.Stats(c.Request().Context(), top)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req engine.MarkRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid feedback request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.BulletID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "bulletId field is required")
	}
	if !req.Type.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, playbook.ErrInvalidFeedback.Error())
	}

	res, err := s.engine.Mark(c.Request().Context(), req)
	if err != nil {
		s.metrics.RecordWrite(c.Request().Context(), routeFeedback, nil, false)
		return httpError(err)
	}
	s.metrics.RecordWrite(c.Request().Context(), routeFeedback, res, false)
	s.SetSnapshot(nil)
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleCurate(c echo.Context) error {
	var req CurateRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid curate request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Deltas) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "deltas field is required")
	}
	deltas, bad, err := playbook.DecodeDeltas(req.Deltas)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res, err := s.engine.Curate(c.Request().Context(), deltas, req.DryRun)
	if err != nil {
		s.metrics.RecordWrite(c.Request().Context(), routeCurate, nil, req.DryRun)
		return httpError(err)
	}
	s.metrics.RecordWrite(c.Request().Context(), routeCurate, res, req.DryRun)
	if !req.DryRun {
		s.SetSnapshot(nil)
	}
	resp := CurateResponse{Result: res}
	for _, b := range bad {
		resp.DecodeErrors = append(resp.DecodeErrors, b.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleReflect(c echo.Context) error {
	var req ReflectRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid reflect request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Diary == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "diary field is required")
	}
	gate := s.config.Gate
	if req.Gate != nil {
		gate = *req.Gate
	}

	res, err := s.engine.Reflect(c.Request().Context(), engine.ReflectRequest{
		Diary:       req.Diary,
		SessionPath: req.SessionPath,
		Gate:        gate,
		DryRun:      req.DryRun,
	})
	if err != nil {
		s.metrics.RecordWrite(c.Request().Context(), routeReflect, nil, req.DryRun)
		return httpError(err)
	}
	s.metrics.RecordWrite(c.Request().Context(), routeReflect, res.Curation, req.DryRun)
	if !req.DryRun {
		s.SetSnapshot(nil)
	}
	return c.JSON(http.StatusOK, res)
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}
