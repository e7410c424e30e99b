package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/collabctl/internal/auth"
	"github.com/danmuck/collabctl/internal/collab"
	"github.com/danmuck/collabctl/internal/collab/state"
	"github.com/danmuck/collabctl/internal/protocol"
	"github.com/danmuck/collabctl/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var ErrUnknownEvent = fmt.Errorf("%w: server: unknown event type", protocol.ErrInvalidParameters)

type eventRequest struct {
	Event   string  `json:"event"`
	Result  *int32  `json:"result,omitempty"`
	Message *string `json:"message,omitempty"`
}

type prepareRequest struct {
	Result              int32  `json:"result"`
	SinkCollabSessionID int32  `json:"sink_collab_session_id"`
	SocketName          string `json:"socket_name"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type startResultRequest struct {
	Result      int32  `json:"result"`
	PID         int32  `json:"pid"`
	UID         int32  `json:"uid"`
	AccessToken uint32 `json:"access_token"`
}

type abilityRequest struct {
	BundleName string `json:"bundle_name"`
	PID        int32  `json:"pid"`
}

type sessionView struct {
	ID          int32  `json:"id"`
	LocalDevice string `json:"local_device"`
	PeerDevice  string `json:"peer_device"`
	IsServer    bool   `json:"is_server"`
	RemoteAddr  string `json:"remote_addr"`
}

func (s *Server) RegisterRoutes() {
	routes := s.router
	routes.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"node":    s.ID,
			"version": "0.0.1",
		})
	})

	routes.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":   s.collabs != nil && s.channels != nil,
			"uptime":  time.Since(s.Appeared).String(),
			"node":    s.ID,
			"version": "0.0.1",
		})
	})

	routes.GET(transport.WebSocketPath, s.acceptChannel)

	admin := routes.Group("")
	if s.admin != nil {
		admin.Use(auth.Middleware(s.admin))
	}

	admin.GET("/sessions", func(c *gin.Context) {
		infos := s.channels.Sessions()
		views := make([]sessionView, 0, len(infos))
		for _, info := range infos {
			views = append(views, sessionView{
				ID:          info.ID,
				LocalDevice: info.LocalDevice,
				PeerDevice:  info.PeerDevice,
				IsServer:    info.IsServer,
				RemoteAddr:  info.RemoteAddr,
			})
		}
		c.JSON(http.StatusOK, gin.H{"sessions": views})
	})

	collabs := admin.Group("/collabs")
	collabs.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"collabs": s.collabs.Snapshot()})
	})

	collabs.POST("", func(c *gin.Context) {
		var req collab.MissionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token, err := s.collabs.CollabMission(c.Request.Context(), req)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"token": token})
	})

	collabs.GET("/:token", func(c *gin.Context) {
		snap, ok := s.collabs.Get(c.Param("token"))
		if !ok {
			fail(c, collab.ErrUnknownCollab)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	collabs.POST("/:token/events", func(c *gin.Context) {
		var req eventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ev, err := req.event()
		if err != nil {
			fail(c, err)
			return
		}
		token := c.Param("token")
		if err := s.collabs.SubmitCollabEvent(token, ev); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"token": token, "event": ev.String()})
	})

	collabs.POST("/:token/prepare", func(c *gin.Context) {
		var req prepareRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token := c.Param("token")
		if err := s.collabs.NotifySinkPrepareResult(token, req.Result, req.SinkCollabSessionID, req.SocketName); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"token": token})
	})

	collabs.POST("/:token/reject", func(c *gin.Context) {
		var req rejectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token := c.Param("token")
		if err := s.collabs.NotifySinkRejectReason(token, req.Reason); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"token": token})
	})

	collabs.POST("/:token/started", func(c *gin.Context) {
		var req startResultRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token := c.Param("token")
		if err := s.collabs.NotifyStartAbilityResult(token, req.Result, req.PID, req.UID, req.AccessToken); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"token": token})
	})

	collabs.POST("/:token/close", func(c *gin.Context) {
		token := c.Param("token")
		if err := s.collabs.NotifySessionClose(token); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"token": token})
	})

	abilities := admin.Group("/abilities")
	abilities.POST("/died", s.abilityRoute(s.collabs.NotifyAbilityDied))
	abilities.POST("/background", s.abilityRoute(s.collabs.ReleaseAbilityLink))
	abilities.POST("/foreground", s.abilityRoute(s.collabs.CancelReleaseAbilityLink))
}

func (s *Server) acceptChannel(c *gin.Context) {
	ch, peer, err := transport.UpgradeWebSocket(c.Writer, c.Request)
	if err != nil {
		// Upgrade has already written the response.
		log.Warn().Str("node", s.ID).Err(err).Msg("websocket upgrade failed")
		return
	}
	id, err := s.channels.Accept(ch, peer)
	if err != nil {
		log.Error().Str("node", s.ID).Str("peer", peer).Err(err).Msg("accept channel failed")
		_ = ch.Close()
		return
	}
	log.Info().Str("node", s.ID).Str("peer", peer).Int32("session", id).Msg("channel accepted")
}

func (s *Server) abilityRoute(fn func(bundleName string, pid int32) int) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req abilityRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if strings.TrimSpace(req.BundleName) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bundle_name is required"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"matched": fn(req.BundleName, req.PID)})
	}
}

func (r eventRequest) event() (state.Event, error) {
	typ, ok := state.ParseEventType(strings.TrimSpace(r.Event))
	if !ok {
		return state.Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, r.Event)
	}
	switch {
	case r.Result != nil:
		return state.ResultEvent(typ, *r.Result), nil
	case r.Message != nil:
		return state.MessageEvent(typ, *r.Message), nil
	default:
		return state.NewEvent(typ), nil
	}
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, collab.ErrUnknownCollab):
		status = http.StatusNotFound
	case errors.Is(err, protocol.ErrInvalidParameters):
		status = http.StatusBadRequest
	case errors.Is(err, protocol.ErrInvalidState):
		status = http.StatusConflict
	}
	code := protocol.ResultCode(err)
	c.JSON(status, gin.H{
		"error":  err.Error(),
		"result": code,
		"name":   protocol.ResultName(code),
	})
}
