package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/dealcoach/server/internal/bridge"
	"github.com/dealcoach/server/internal/logger"
)

const serviceName = "dealcoach-server"

// BridgeLister exposes the live bridges
type BridgeLister interface {
	Snapshot() []bridge.Info
}

// CallLister exposes the active calls
type CallLister interface {
	ActiveCalls() []string
	IsActive(sessionID string) bool
}

// Handlers groups the socket entry points
type Handlers struct {
	Dashboard   echo.HandlerFunc
	MediaStream echo.HandlerFunc
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, handlers Handlers, bridges BridgeLister, calls CallLister, log *zap.Logger) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:      "ok",
			Service:     serviceName,
			ActiveCalls: len(calls.ActiveCalls()),
		})
	})

	v1 := e.Group("/api/v1")
	v1.GET("/sessions", func(c echo.Context) error {
		return listSessions(c, bridges, calls, log)
	})
	v1.GET("/sessions/:id", func(c echo.Context) error {
		return getSession(c, bridges, calls)
	})

	// dashboard relay
	e.GET("/ws", handlers.Dashboard)

	// telephony media stream
	e.GET("/media-stream", handlers.MediaStream)
}

func listSessions(c echo.Context, bridges BridgeLister, calls CallLister, log *zap.Logger) error {
	response := SessionsResponse{
		Sessions:    bridges.Snapshot(),
		ActiveCalls: calls.ActiveCalls(),
	}
	if response.ActiveCalls == nil {
		response.ActiveCalls = []string{}
	}

	logger.WithRequest(log, c.Request()).Debug("Listed sessions",
		zap.Int("bridges", len(response.Sessions)),
		zap.Int("activeCalls", len(response.ActiveCalls)))

	return c.JSON(http.StatusOK, response)
}

func getSession(c echo.Context, bridges BridgeLister, calls CallLister) error {
	sessionID := c.Param("id")
	if !calls.IsActive(sessionID) {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "session_not_found",
			Message: "No active call for this session",
		})
	}

	response := SessionResponse{SessionID: sessionID, Active: true}
	for _, info := range bridges.Snapshot() {
		if info.SessionID == sessionID {
			info := info
			response.Bridge = &info
			break
		}
	}
	return c.JSON(http.StatusOK, response)
}
