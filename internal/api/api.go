// Package api wires the engine into a gin HTTP surface: a single chat
// endpoint accepting the client message schema, a metrics endpoint, and
// panel-credentialed admin routes over the cooldown registry.
//
// Grounded on the teacher's gin handler shape in
// sdk/api/handlers/claude/code_handlers.go (stream-vs-non-stream dispatch
// off the request body, flusher-based SSE writing, error-response JSON
// envelope) and internal/api/middleware/request_logging.go for the
// gin.HandlerFunc middleware convention (used here by internal/logging).
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/antigravity-proxy/gateway/internal/cooldown"
	"github.com/antigravity-proxy/gateway/internal/engine"
	"github.com/antigravity-proxy/gateway/internal/logging"
	"github.com/antigravity-proxy/gateway/internal/metrics"
	"github.com/antigravity-proxy/gateway/internal/proxyerr"
	"github.com/antigravity-proxy/gateway/internal/stream"
	"github.com/antigravity-proxy/gateway/internal/translator"
)

// ErrorDetail is the body of an error response's "error" field.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorResponse is the uniform error envelope returned to clients (§7).
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// Server owns the gin engine and its dependencies.
type Server struct {
	router                   *gin.Engine
	engine                   *engine.Engine
	cooldown                 *cooldown.Registry
	metrics                  *metrics.Registry
	apiKey                   string
	panelUser, panelPassword string
}

// New builds the gin router with the chat, metrics, and admin routes
// registered. apiKey, when non-empty, is required as a bearer token or
// x-api-key header on the chat endpoint (§6 API_KEY).
func New(eng *engine.Engine, cd *cooldown.Registry, m *metrics.Registry, logLevel, apiKey, panelUser, panelPassword string) *Server {
	logging.Setup(logLevel)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), logging.GinMiddleware())

	s := &Server{router: router, engine: eng, cooldown: cd, metrics: m, apiKey: apiKey, panelUser: panelUser, panelPassword: panelPassword}

	chat := router.Group("/")
	if apiKey != "" {
		chat.Use(s.requireAPIKey)
	}
	chat.POST("/v1/messages", s.handleMessages)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registerer(), promhttp.HandlerOpts{})))

	admin := router.Group("/admin")
	if panelUser != "" {
		admin.Use(gin.BasicAuth(gin.Accounts{panelUser: panelPassword}))
	}
	admin.GET("/cooldowns", s.handleListCooldowns)
	admin.DELETE("/cooldowns/:projectID/:model", s.handleClearCooldown)

	return s
}

// Handler exposes the underlying http.Handler for cmd/server's http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requireAPIKey(c *gin.Context) {
	got := c.GetHeader("x-api-key")
	if got == "" {
		if auth := c.GetHeader("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			got = auth[7:]
		}
	}
	if got != s.apiKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: ErrorDetail{Type: "authentication_error", Message: "invalid API key"}})
		return
	}
	c.Next()
}

// handleMessages dispatches the client-facing chat request, branching on
// "stream" the way the teacher's ClaudeMessages does (§6).
func (s *Server) handleMessages(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		writeError(c, proxyerr.TranslationInput("body", "failed to read request body"))
		return
	}

	var req translator.ClientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(c, proxyerr.TranslationInput("body", "invalid JSON: "+err.Error()))
		return
	}

	var streamFlag struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(raw, &streamFlag)

	sessionID := c.GetHeader("X-Session-Id")

	if streamFlag.Stream {
		s.handleStream(c, req, sessionID)
		return
	}
	s.handleNonStream(c, req, sessionID)
}

func (s *Server) handleNonStream(c *gin.Context, req translator.ClientRequest, sessionID string) {
	result, err := s.engine.Generate(c.Request.Context(), req, sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"type":    "message",
		"role":    "assistant",
		"model":   req.Model,
		"content": result.Content,
		"usage":   result.Usage,
	})
}

func (s *Server) handleStream(c *gin.Context, req translator.ClientRequest, sessionID string) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, proxyerr.Transient("streaming not supported by this response writer", nil))
		return
	}

	sess, err := s.engine.Stream(c.Request.Context(), req, sessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	err = s.engine.Drain(sess, func(events []stream.Event) error {
		for _, ev := range events {
			data, merr := json.Marshal(ev.Data)
			if merr != nil {
				return merr
			}
			if _, werr := c.Writer.Write([]byte("event: " + ev.Type + "\ndata: " + string(data) + "\n\n")); werr != nil {
				return werr
			}
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		log.Warnf("api: stream drain ended: %v", err)
	}
}

func (s *Server) handleListCooldowns(c *gin.Context) {
	projectID := c.Query("projectId")
	if projectID != "" {
		c.JSON(http.StatusOK, gin.H{"cooldowns": s.cooldown.ListForProject(projectID)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cooldowns": s.cooldown.List()})
}

func (s *Server) handleClearCooldown(c *gin.Context) {
	s.cooldown.Remove(c.Param("projectID"), c.Param("model"))
	c.Status(http.StatusNoContent)
}

// writeError translates a proxyerr.Error (or any error) into the uniform
// client-facing envelope, choosing HTTP status per §7's classification.
func writeError(c *gin.Context, err error) {
	pe, ok := proxyerr.Classify(err)
	if !ok {
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: ErrorDetail{Type: "api_error", Message: err.Error()}})
		return
	}

	errType := "api_error"
	switch pe.Kind {
	case proxyerr.KindTranslationInput:
		errType = "invalid_request_error"
	case proxyerr.KindPoolExhausted:
		errType = "overloaded_error"
	case proxyerr.KindQuotaExhausted:
		errType = "rate_limit_error"
	case proxyerr.KindAuthDead, proxyerr.KindTransient:
		errType = "api_error"
	}

	status := pe.HTTPStatus
	if status == 0 {
		status = http.StatusBadGateway
	}
	if pe.RetryAfter != nil {
		c.Header("Retry-After", strconv.FormatInt(*pe.RetryAfter, 10))
	}
	c.JSON(status, ErrorResponse{Error: ErrorDetail{Type: errType, Message: pe.Message}})
}
