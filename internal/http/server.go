// Package http provides the ingest API producers call to report feature
// run lifecycle events and administrative actions.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cometa-rocks/wsrelay/internal/hub"
	"github.com/cometa-rocks/wsrelay/internal/logging"
	"github.com/cometa-rocks/wsrelay/internal/protocol"
	"github.com/cometa-rocks/wsrelay/internal/service"
)

// Server is the ingest HTTP server.
type Server struct {
	echo     *echo.Echo
	service  *service.Service
	hub      *hub.Hub
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

// NewServer creates the ingest server. gatherer backs /metrics.
func NewServer(svc *service.Service, h *hub.Hub, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(logging.RequestLogger(logger))
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		service:  svc,
		hub:      h,
		gatherer: gatherer,
		log:      logger.With().Str("component", "ingest").Logger(),
	}
	s.RegisterRoutes(e)
	return s
}

// RegisterRoutes registers the ingest routes with the echo server.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	for _, event := range service.Events() {
		e.POST("/feature/:feature_id/"+string(event), s.handleLifecycle(event))
	}
	e.GET("/featureStatus/:feature_id", s.handleFeatureStatus)
	e.GET("/dataDrivenStatus/:run_id", s.handleDataDrivenStatus)
	e.POST("/dataDrivenStatus/:run_id", s.handleDataDrivenUpdate)
	e.POST("/mobile/container/:container_id/status", s.handleMobileStatus)
	e.POST("/mobile/container/:container_id/shared", s.handleMobileShared)
	e.POST("/sendAction", s.handleSendAction)

	e.GET("/health", s.handleHealth)
	if s.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for in-process use.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// AckResponse answers every request that fanned a message out.
type AckResponse struct {
	Success   bool `json:"success"`
	SentCount int  `json:"sentCount"`
}

// StatusResponse answers status queries.
type StatusResponse struct {
	Running bool                   `json:"running"`
	Metrics map[string]interface{} `json:"status,omitempty"`
}

func badRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func pathInt(c echo.Context, name string) (int64, error) {
	n, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": s.hub.GetConnectionCount(),
	})
}

func (s *Server) handleLifecycle(event service.Event) echo.HandlerFunc {
	specs := lifecycleFields[event]
	return func(c echo.Context) error {
		featureID, err := pathInt(c, "feature_id")
		if err != nil {
			return badRequest(c, err)
		}
		p, err := readPayload(c.Request().Body)
		if err != nil {
			return badRequest(c, err)
		}
		p.apply(specs)
		p.PassThrough("type", "feature_id", "run_id")
		if err := p.Err(); err != nil {
			s.log.Warn().Str("event", string(event)).Int64("feature_id", featureID).Err(err).Msg("rejected event")
			return badRequest(c, err)
		}

		fields := p.Message()
		runID, _ := fields.Int("run_id")
		sent, err := s.service.Lifecycle(event, featureID, runID, fields)
		if err != nil {
			s.log.Error().Str("event", string(event)).Err(err).Msg("lifecycle failed")
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to relay event"})
		}
		return c.JSON(http.StatusOK, AckResponse{Success: true, SentCount: sent})
	}
}

func (s *Server) handleFeatureStatus(c echo.Context) error {
	featureID, err := pathInt(c, "feature_id")
	if err != nil {
		return badRequest(c, err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Running: s.service.FeatureStatus(featureID)})
}

func (s *Server) handleDataDrivenStatus(c echo.Context) error {
	runID, err := pathInt(c, "run_id")
	if err != nil {
		return badRequest(c, err)
	}
	st, _ := s.service.DataDrivenStatus(runID)
	return c.JSON(http.StatusOK, StatusResponse{Running: st.Running, Metrics: st.Metrics})
}

func (s *Server) handleDataDrivenUpdate(c echo.Context) error {
	runID, err := pathInt(c, "run_id")
	if err != nil {
		return badRequest(c, err)
	}
	p, err := readPayload(c.Request().Body)
	if err != nil {
		return badRequest(c, err)
	}
	running, _ := p.Bool("running", true)
	target := readTarget(p)
	p.Structured("metrics", false)
	p.apply(dataDrivenMetricFields)
	if err := p.Err(); err != nil {
		return badRequest(c, err)
	}

	fields := p.Message()
	patch := make(map[string]interface{})
	if nested, ok := fields["metrics"].(map[string]interface{}); ok {
		for k, v := range nested {
			patch[k] = v
		}
	} else if _, ok := fields["metrics"]; ok {
		return badRequest(c, errors.New("metrics must be a JSON object"))
	}
	for _, f := range dataDrivenMetricFields {
		if v, ok := fields[f.name]; ok {
			patch[f.name] = v
		}
	}

	sent, err := s.service.UpdateDataDriven(runID, running, patch, target)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to relay status"})
	}
	return c.JSON(http.StatusOK, AckResponse{Success: true, SentCount: sent})
}

func (s *Server) handleMobileStatus(c echo.Context) error {
	return s.handleMobile(c, protocol.TypeMobileContainer, required("containerUpdate", kindStructured))
}

func (s *Server) handleMobileShared(c echo.Context) error {
	return s.handleMobile(c, protocol.TypeMobileShared, required("shared", kindBool))
}

func (s *Server) handleMobile(c echo.Context, msgType string, body fieldSpec) error {
	containerID, err := pathInt(c, "container_id")
	if err != nil {
		return badRequest(c, err)
	}
	p, err := readPayload(c.Request().Body)
	if err != nil {
		return badRequest(c, err)
	}
	target := readTarget(p)
	p.apply([]fieldSpec{body})
	if err := p.Err(); err != nil {
		return badRequest(c, err)
	}

	fields := protocol.Message{body.name: p.Message()[body.name]}
	sent, err := s.service.MobileContainer(msgType, containerID, fields, target)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to relay container update"})
	}
	return c.JSON(http.StatusOK, AckResponse{Success: true, SentCount: sent})
}

func (s *Server) handleSendAction(c echo.Context) error {
	var msg protocol.Message
	if err := json.NewDecoder(c.Request().Body).Decode(&msg); err != nil || msg == nil {
		return badRequest(c, errors.New("request body must be a JSON object"))
	}
	if _, ok := msg["type"].(string); !ok {
		return badRequest(c, service.ErrMissingType)
	}

	sent, err := s.service.SendAction(msg)
	if err != nil {
		if errors.Is(err, service.ErrMissingType) {
			return badRequest(c, err)
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to send action"})
	}
	return c.JSON(http.StatusOK, AckResponse{Success: true, SentCount: sent})
}

func readTarget(p *payload) service.Target {
	var t service.Target
	if id, ok := p.Int("user_id", false); ok {
		t.UserID = &id
	}
	if id, ok := p.Int("department_id", false); ok {
		t.DepartmentID = &id
	}
	return t
}
