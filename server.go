package main

import (
	"context"
	"time"

	"ledgersync/logger"

	"github.com/gofiber/fiber/v2"
)

// httpServer runs the fiber app as a supervised service.
type httpServer struct {
	app  *fiber.App
	addr string
}

func (s *httpServer) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.app.Listen(s.addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Gracefully shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	<-errc
	return ctx.Err()
}

func (s *httpServer) String() string { return "http" }
