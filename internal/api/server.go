// Package api exposes sync status and control over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/ai-brain-mailagent/internal/auth"
	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
	mailsync "github.com/Martian-dev/ai-brain-mailagent/internal/sync"
)

// StatusStore is the read side the API serves from.
type StatusStore interface {
	Ping(ctx context.Context) error
	GetSyncState(ctx context.Context, userID string) (*store.SyncState, error)
	GetRecord(ctx context.Context, userID, messageID string) (*store.ProcessingRecord, error)
}

// SyncController starts and stops per-user runners.
type SyncController interface {
	StartSync(ctx context.Context, userID string) error
	StopSync(userID string) error
	IsRunning(userID string) bool
}

// Authenticator identifies the caller of a request.
type Authenticator interface {
	PrincipalFromRequest(r *http.Request) (*auth.Principal, error)
}

type Server struct {
	store   StatusStore
	syncs   SyncController
	authn   Authenticator
	baseCtx context.Context
	log     *logrus.Entry
}

// NewServer builds the API. authn may be nil to serve without
// authentication; syncs may be nil when the process serves a single user.
// Runners started over HTTP live for baseCtx.
func NewServer(baseCtx context.Context, st StatusStore, syncs SyncController, authn Authenticator, log *logrus.Entry) *Server {
	return &Server{
		store:   st,
		syncs:   syncs,
		authn:   authn,
		baseCtx: baseCtx,
		log:     log.WithField("component", "api"),
	}
}

// Handler returns the gin engine with every route registered.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.healthz)

	users := r.Group("/v1/users/:user_id")
	users.Use(s.authMiddleware())
	users.GET("/sync", s.getSync)
	users.GET("/messages/:message_id", s.getMessage)
	users.POST("/sync/start", s.startSync)
	users.POST("/sync/stop", s.stopSync)

	return r
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authn == nil {
			c.Next()
			return
		}

		p, err := s.authn.PrincipalFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		if p.Subject != c.Param("user_id") {
			c.JSON(http.StatusForbidden, gin.H{"error": "token subject does not match user"})
			c.Abort()
			return
		}

		c.Set("principal", p)
		c.Next()
	}
}

func (s *Server) healthz(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getSync(c *gin.Context) {
	userID := c.Param("user_id")
	state, err := s.store.GetSyncState(c.Request.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		state = &store.SyncState{UserID: userID}
	} else if err != nil {
		s.storeError(c, err)
		return
	}

	running := false
	if s.syncs != nil {
		running = s.syncs.IsRunning(userID)
	}
	c.JSON(http.StatusOK, gin.H{"state": state, "running": running})
}

func (s *Server) getMessage(c *gin.Context) {
	rec, err := s.store.GetRecord(c.Request.Context(), c.Param("user_id"), c.Param("message_id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) startSync(c *gin.Context) {
	if s.syncs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "sync control disabled"})
		return
	}
	userID := c.Param("user_id")
	if err := s.syncs.StartSync(s.baseCtx, userID); err != nil {
		if errors.Is(err, mailsync.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"user_id": userID, "running": true})
}

func (s *Server) stopSync(c *gin.Context) {
	if s.syncs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "sync control disabled"})
		return
	}
	userID := c.Param("user_id")
	if err := s.syncs.StopSync(userID); err != nil {
		if errors.Is(err, mailsync.ErrNotRunning) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "running": false})
}

func (s *Server) storeError(c *gin.Context, err error) {
	s.log.WithError(err).Error("store read failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
