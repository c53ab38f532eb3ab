package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"aaronromeo.com/mailwatch/internal/config"
	"aaronromeo.com/mailwatch/internal/telemetry"
	"github.com/urfave/cli/v2"
)

func validate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, config.Summary(cfg))
	return nil
}

func start(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, logger, err := telemetry.SetupOTelSDK(ctx, cfg.Telemetry, c.App.Writer)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, otelShutdown(context.Background()))
	}()

	return NewSupervisor(cfg, WithLogger(logger)).Run(ctx)
}
