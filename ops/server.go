package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/listashare/eventrelay/outbox"
)

// Server runs the ops router until Shutdown.
type Server struct {
	srv    *http.Server
	logger outbox.Logger
}

func NewServer(addr string, router *gin.Engine, l outbox.Logger) *Server {
	if l == nil {
		l = &outbox.NopLogger{}
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: l,
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info(fmt.Sprintf("ops server listening on %s", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server stopped", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
