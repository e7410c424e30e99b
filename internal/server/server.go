// Package server hosts a collaboration node over HTTP: the websocket channel
// endpoint peers dial into, health and metrics, and an admin surface used by
// the local platform to start missions and report ability outcomes.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/collabctl/internal/auth"
	"github.com/danmuck/collabctl/internal/collab"
	"github.com/danmuck/collabctl/internal/collab/state"
	"github.com/danmuck/collabctl/internal/node"
	"github.com/danmuck/collabctl/internal/observability"
	"github.com/danmuck/collabctl/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const shutdownGrace = 5 * time.Second

// Collabs is the collaboration surface the admin routes drive.
type Collabs interface {
	CollabMission(ctx context.Context, req collab.MissionRequest) (string, error)
	SubmitCollabEvent(token string, ev state.Event) error
	NotifySinkPrepareResult(token string, result, sinkCollabSessionID int32, socketName string) error
	NotifySinkRejectReason(token, reason string) error
	NotifyStartAbilityResult(token string, result, pid, uid int32, accessToken uint32) error
	NotifySessionClose(token string) error
	NotifyAbilityDied(bundleName string, pid int32) int
	ReleaseAbilityLink(bundleName string, pid int32) int
	CancelReleaseAbilityLink(bundleName string, pid int32) int
	Get(token string) (collab.Snapshot, bool)
	Snapshot() []collab.Snapshot
}

// Channels accepts inbound peer channels.
type Channels interface {
	Accept(ch session.Channel, peerDevice string) (int32, error)
	Sessions() []session.Info
}

type Server struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr"`
	Appeared time.Time `json:"appeared"`

	collabs  Collabs
	channels Channels
	tls      *tls.Config
	admin    auth.Validator
	router   *gin.Engine
}

var _ node.Node = (*Server)(nil)

func Appear(id, addr string, collabs Collabs, channels Channels) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	return &Server{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		collabs:  collabs,
		channels: channels,
		router:   r,
	}
}

// WithTLS serves the listener with cfg. A nil cfg keeps plain HTTP.
func (s *Server) WithTLS(cfg *tls.Config) *Server {
	s.tls = cfg
	return s
}

// WithAdminAuth requires a bearer token v accepts on the admin routes. Health,
// metrics and the channel endpoint stay open.
func (s *Server) WithAdminAuth(v auth.Validator) *Server {
	s.admin = v
	return s
}

func (s *Server) NodeID() string {
	return s.ID
}

func (s *Server) Kind() string {
	return "collab"
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve registers routes and blocks until ctx ends or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	s.RegisterRoutes()
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		TLSConfig:         s.tls,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if s.tls != nil {
			errc <- srv.ListenAndServeTLS("", "")
			return
		}
		errc <- srv.ListenAndServe()
	}()
	log.Info().Str("node", s.ID).Str("addr", s.Addr).Bool("tls", s.tls != nil).Msg("http listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
