package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowbaker/flowguard/internal/middlewares"
	"github.com/flowbaker/flowguard/internal/server"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func NewServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the trigger scheduler",
		Long:  `Serve webhook ingestion and the management API, tick cron triggers and refresh credential health in the background.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	return cmd
}

func runServe(opts *rootOptions) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	container, err := opts.container()
	if err != nil {
		return err
	}

	cfg := container.GetConfig()

	deps, err := container.BuildDependencies(ctx)
	if err != nil {
		return err
	}

	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()

		if err := deps.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to close dependencies cleanly")
		}
	}()

	app := server.NewHTTPServer(server.HTTPServerDependencies{
		AdminAuth: middlewares.AdminAuthConfig{
			Token:  cfg.AdminToken,
			Issuer: deps.AdminTokens,
		},
		MetricsPath:          cfg.Metrics.Path,
		Prometheus:           deps.Prometheus,
		WebhookController:    deps.WebhookController,
		WorkflowController:   deps.WorkflowController,
		TriggerController:    deps.TriggerController,
		GovernanceController: deps.GovernanceController,
	})

	log.Info().Str("address", cfg.HTTPAddress).Msg("Starting flowguard")

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return deps.Scheduler.Run(groupCtx)
	})

	group.Go(func() error {
		return app.Listen(cfg.HTTPAddress, fiber.ListenConfig{
			GracefulContext:       groupCtx,
			DisableStartupMessage: true,
		})
	})

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("Flowguard stopped with an error")
		return err
	}

	log.Info().Msg("Flowguard stopped")
	return nil
}
