package status

import (
	"context"
	"io"
	"log/slog"
	"net"

	"aaronromeo.com/mailwatch/internal/watcher"
	"github.com/gofiber/contrib/otelfiber/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
)

const sourceKey = "statusSource"

// Source lists the state of every running watcher.
type Source interface {
	Statuses() []watcher.Status
}

// SourceFunc adapts a function to Source.
type SourceFunc func() []watcher.Status

func (f SourceFunc) Statuses() []watcher.Status {
	return f()
}

type Server struct {
	app    *fiber.App
	logger *slog.Logger
}

func New(src Source, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	app := fiber.New(fiber.Config{
		AppName:               "mailwatch",
		DisableStartupMessage: true,
	})
	app.Use(otelfiber.Middleware())
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(sourceKey, src)
		return c.Next()
	})

	app.Get("/healthz", Healthz)
	app.Get("/mailboxes", Mailboxes)
	app.Use(NotFound)

	return &Server{app: app, logger: logger}
}

// App exposes the fiber app, mostly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Serve blocks serving on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Serving status", slog.String("addr", ln.Addr().String()))
	return s.app.Listener(ln)
}

// ListenAndServe opens addr and serves on it until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	return s.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
