package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kdimtricp/imgcaption/internal/ai"
	"github.com/kdimtricp/imgcaption/internal/api"
	"github.com/kdimtricp/imgcaption/internal/cli"
	"github.com/kdimtricp/imgcaption/internal/config"
	"github.com/kdimtricp/imgcaption/internal/curation"
	"github.com/kdimtricp/imgcaption/internal/database"
	"github.com/kdimtricp/imgcaption/internal/metrics"
	"github.com/kdimtricp/imgcaption/internal/stats"
	"github.com/kdimtricp/imgcaption/internal/storage"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	v := config.New()
	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Serve the image captioning and curation API",
		SilenceUsage: true,
	}

	configPath := cli.Flags(cmd, v)
	cli.DatabaseFlags(cmd, v)
	cli.ModelFlags(cmd, v)
	cmd.Flags().String("port", "", "HTTP listen port")
	cmd.Flags().String("upload-dir", "", "Directory for uploaded images")
	cmd.Flags().Int64("max-upload-size", 0, "Maximum upload size in bytes")
	cmd.Flags().String("migrations", "", "Path to migrations directory")
	cli.BindFlags(cmd, v, map[string]string{
		"port":            "server.port",
		"upload-dir":      "server.upload_dir",
		"max-upload-size": "server.max_upload_size",
		"migrations":      "migrations_path",
	})

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		env, err := cli.Load(v, *configPath)
		if err != nil {
			return err
		}
		defer env.Log.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return run(ctx, env)
	}
	return cmd
}

func run(ctx context.Context, env *cli.Env) error {
	cfg, log := env.Config, env.Log

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	localStorage, err := storage.NewLocalStorage(cfg.Server.UploadDir)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	db, err := env.OpenDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	// the API stays up without the models and answers captions with 503
	captioner, err := ai.LoadCaptioner(cfg.Model, log.Named("ai"), m)
	if err != nil {
		log.Error("caption model unavailable", zap.Error(err))
		captioner = ai.Unavailable(err, m)
		m.SetModelReady(false)
	} else {
		m.SetModelReady(true)
	}
	defer captioner.Close()

	repo := database.NewLabeledImageRepository(db)
	aggregator := stats.NewAggregator(repo, cfg.Stats.CacheTTL, log.Named("stats"))

	service := curation.NewService(repo,
		curation.WithLogger(log.Named("curation")),
		curation.WithRecorder(m))
	service.OnChange(aggregator.Invalidate)

	app := &api.App{
		Storage:       localStorage,
		DB:            db,
		Captioner:     captioner,
		Curation:      service,
		Stats:         aggregator,
		Dataset:       repo,
		Metrics:       m,
		Log:           log.Named("api"),
		MaxUploadSize: cfg.Server.MaxUploadSize,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.NewRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("server starting",
		zap.String("port", cfg.Server.Port),
		zap.String("upload_dir", cfg.Server.UploadDir),
		zap.String("database", cfg.Database.Type),
		zap.Int64("max_upload_size", cfg.Server.MaxUploadSize))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down", zap.Duration("grace", cfg.Server.ShutdownGrace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
