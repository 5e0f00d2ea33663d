package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Meesho/BharatMLStack/control-plane/internal/api"
	"github.com/Meesho/BharatMLStack/control-plane/internal/application"
	"github.com/Meesho/BharatMLStack/control-plane/internal/ports"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const httpShutdownTimeout = 10 * time.Second

type Server struct {
	httpServer   *http.Server
	orchestrator *application.Orchestrator
	signals      chan os.Signal
}

// NewRouter builds the gin engine with the control API routes and middlewares.
func NewRouter(appEnv string, control api.ControlPlane, idempotency ports.IdempotencyKeyStore) *gin.Engine {
	if appEnv == "prod" || appEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(requestIDMiddleware(), httpLogger(), httpRecovery())
	api.NewHandler(control, idempotency).Register(router)
	return router
}

func NewServer(port int, appEnv string, orch *application.Orchestrator, idempotency ports.IdempotencyKeyStore) *Server {
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           NewRouter(appEnv, orch, idempotency),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{
		httpServer:   server,
		orchestrator: orch,
		signals:      make(chan os.Signal, 1),
	}
}

// Run starts the orchestrator and the HTTP server and blocks until a signal arrives, a shutdown
// is requested over the API, or the listener fails. Signals are caught from before startup, so
// one arriving while the orchestrator starts still shuts it down gracefully. The orchestrator is
// always shut down before returning.
func (s *Server) Run(ctx context.Context) error {
	signal.Notify(s.signals, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(s.signals)

	if err := s.orchestrator.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.httpServer.Addr).Msg("control api listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	var runErr error
	reason := ""
	select {
	case sig := <-s.signals:
		reason = signalName(sig)
		log.Warn().Str("signal", reason).Msg("received shutdown signal")
	case <-s.orchestrator.Done():
	case <-ctx.Done():
		reason = "context cancelled"
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
			reason = "http server error"
		}
	}

	if reason != "" {
		s.orchestrator.GracefulShutdown(reason)
	} else {
		<-s.orchestrator.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func signalName(sig os.Signal) string {
	switch sig {
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	default:
		return sig.String()
	}
}
