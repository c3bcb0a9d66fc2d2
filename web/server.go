package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

// Server is a small gin server with health checks and graceful shutdown.
type Server struct {
	engine      *gin.Engine
	lg          *zap.Logger
	mode        string
	port        int64
	middlewares []gin.HandlerFunc
	routes      []route
	healthCheck func(ctx context.Context) error
}

type route struct {
	method  string
	path    string
	handler gin.HandlerFunc
}

type Option func(*Server)

func defaultServer(lg *zap.Logger) *Server {
	if lg == nil {
		lg = zap.L()
	}
	return &Server{
		lg:   lg,
		mode: gin.ReleaseMode,
		port: 8080,
	}
}

func WithMode(mode string) Option {
	return func(s *Server) {
		s.mode = mode
	}
}

func WithPort(port int64) Option {
	return func(s *Server) {
		s.port = port
	}
}

func WithMiddleware(handlers ...gin.HandlerFunc) Option {
	return func(s *Server) {
		s.middlewares = append(s.middlewares, handlers...)
	}
}

func WithRoute(method, path string, handler gin.HandlerFunc) Option {
	return func(s *Server) {
		s.routes = append(s.routes, route{method: method, path: path, handler: handler})
	}
}

// WithHealthCheck makes /healthcheck answer 503 while check fails.
func WithHealthCheck(check func(ctx context.Context) error) Option {
	return func(s *Server) {
		s.healthCheck = check
	}
}

func NewServer(lg *zap.Logger, opts ...Option) *Server {
	s := defaultServer(lg)
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(s.mode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(s.middlewares...)
	s.engine.Use(s.defaultHandler())
	for _, r := range s.routes {
		s.engine.Handle(r.method, r.path, r.handler)
	}
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	server := &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.lg.Info("starting web server ...", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.lg.Error("fail to listenAndServe", zap.Error(err))
		}
		return err
	case <-ctx.Done():
	}

	s.lg.Info("shutdown web server ...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.lg.Error("fail to shutdown web server", zap.Error(err))
		return err
	}
	s.lg.Info("web server exiting")
	return nil
}

func (s *Server) defaultHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch {
		case c.Request.URL.Path == "/":
			c.AbortWithStatus(http.StatusOK)
		case strings.HasSuffix(c.Request.URL.Path, "/healthcheck"):
			if s.healthCheck != nil {
				if err := s.healthCheck(c.Request.Context()); err != nil {
					c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
					return
				}
			}
			c.AbortWithStatus(http.StatusOK)
		}
	}
}
