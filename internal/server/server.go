// Package server exposes the gateway's admin surface: session inspection,
// cluster state, force-disconnect, Prometheus metrics and a websocket event
// feed. It is a control plane only; FIX traffic never touches this listener.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Aidin1998/fixgate/internal/engine"
	"github.com/Aidin1998/fixgate/internal/hub"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// EngineView is the slice of the engine the admin API reads and controls.
// *engine.FixEngine satisfies it; tests substitute a stub.
type EngineView interface {
	Sessions() []engine.SessionSnapshot
	Session(sessionID int64) (engine.SessionSnapshot, bool)
	Cluster() engine.ClusterSnapshot
	Disconnect(sessionID int64) bool
}

// Config carries the admin server settings.
type Config struct {
	// BindAddress is the listen address, e.g. ":8080".
	BindAddress string
	// JWTSecret signs and verifies bearer tokens. Empty disables auth;
	// the config layer rejects that combination in production.
	JWTSecret string
}

// Server represents the admin HTTP server
type Server struct {
	logger    *zap.Logger
	view      EngineView
	events    *hub.Hub
	jwtSecret []byte

	httpSrv *http.Server
}

// NewServer creates a new admin HTTP server over an engine view.
func NewServer(logger *zap.Logger, view EngineView, events *hub.Hub, cfg Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:    logger,
		view:      view,
		events:    events,
		jwtSecret: []byte(cfg.JWTSecret),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router creates the admin HTTP router
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	// Add middleware
	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.Default())

	// Add health check
	router.GET("/healthz", s.handleHealth)

	// Prometheus scrape endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// WebSocket feed of session and cluster events
	if s.events != nil {
		router.GET("/ws/events", s.handleEvents)
	}

	// Add API routes
	api := router.Group("/api")
	{
		v1 := api.Group("/v1", s.authMiddleware())
		{
			v1.GET("/sessions", s.handleListSessions)
			v1.GET("/sessions/:id", s.handleGetSession)
			v1.DELETE("/sessions/:id", s.handleDisconnectSession)
			v1.GET("/cluster", s.handleCluster)
		}
	}

	return router
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// adminClaims is the JWT payload accepted by the admin API.
type adminClaims struct {
	jwt.RegisteredClaims
}

// IssueToken signs a bearer token accepted by the admin API. Operators use
// this through the CLI; the server itself only verifies.
func (s *Server) IssueToken(subject string, ttl time.Duration) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", fmt.Errorf("admin jwt secret not configured")
	}
	now := time.Now()
	claims := adminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "fixgate",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

// errorMapper maps error messages to HTTP status codes
type errorMapper struct{}

func (m *errorMapper) mapError(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unauthorized"):
		return http.StatusUnauthorized
	case strings.Contains(msg, "not found"):
		return http.StatusNotFound
	case strings.Contains(msg, "invalid"):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response with mapped status
func (s *Server) writeError(c *gin.Context, err error) {
	status := (&errorMapper{}).mapError(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

// authMiddleware verifies bearer tokens when a JWT secret is configured.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.jwtSecret) == 0 {
			c.Next()
			return
		}

		// Get token from header
		token := c.GetHeader("Authorization")
		if token == "" {
			s.writeError(c, fmt.Errorf("unauthorized: missing authorization header"))
			c.Abort()
			return
		}

		// Remove "Bearer " prefix if present
		if strings.HasPrefix(token, "Bearer ") {
			token = token[7:]
		}

		claims := &adminClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		})
		if err != nil || !parsed.Valid {
			s.writeError(c, fmt.Errorf("unauthorized: invalid token"))
			c.Abort()
			return
		}

		c.Set("subject", claims.Subject)
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleEvents upgrades to a websocket and streams hub topics to the client.
func (s *Server) handleEvents(c *gin.Context) {
	s.events.ServeWS(c.Writer, c.Request, uuid.NewString())
}

// handleListSessions returns a snapshot of every live session.
func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.view.Sessions()
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// handleGetSession returns one session by logical session id.
func (s *Server) handleGetSession(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.writeError(c, fmt.Errorf("invalid session id %q", c.Param("id")))
		return
	}
	snap, ok := s.view.Session(id)
	if !ok {
		s.writeError(c, fmt.Errorf("session %d not found", id))
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleDisconnectSession asks the engine to drop a session. The disconnect
// happens on the engine's duty cycle, so 202 means queued, not done.
func (s *Server) handleDisconnectSession(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.writeError(c, fmt.Errorf("invalid session id %q", c.Param("id")))
		return
	}
	if !s.view.Disconnect(id) {
		s.writeError(c, fmt.Errorf("session %d not found", id))
		return
	}
	s.logger.Info("admin disconnect requested", zap.Int64("session_id", id))
	c.JSON(http.StatusAccepted, gin.H{"status": "disconnecting", "session_id": id})
}

// handleCluster returns this node's replication view.
func (s *Server) handleCluster(c *gin.Context) {
	c.JSON(http.StatusOK, s.view.Cluster())
}
