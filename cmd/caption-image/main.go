package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kdimtricp/imgcaption/internal/ai"
	"github.com/kdimtricp/imgcaption/internal/cli"
	"github.com/kdimtricp/imgcaption/internal/config"
	"github.com/kdimtricp/imgcaption/internal/curation"
	"github.com/kdimtricp/imgcaption/internal/database"
	"github.com/kdimtricp/imgcaption/internal/storage"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	v := config.New()
	var save bool

	cmd := &cobra.Command{
		Use:          "caption-image IMAGE...",
		Short:        "Caption local image files",
		Long:         "Caption local image files. With --save the images are copied to the upload directory and recorded for review.",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
	}

	configPath := cli.Flags(cmd, v)
	cli.DatabaseFlags(cmd, v)
	cli.ModelFlags(cmd, v)
	cmd.Flags().BoolVar(&save, "save", false, "Store the images and create labeled image records")
	cmd.Flags().String("upload-dir", "", "Directory for stored images")
	cli.BindFlags(cmd, v, map[string]string{"upload-dir": "server.upload_dir"})

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		env, err := cli.Load(v, *configPath)
		if err != nil {
			return err
		}
		defer env.Log.Sync()

		captioner, err := ai.LoadCaptioner(env.Config.Model, env.Log.Named("ai"), nil)
		if err != nil {
			return fmt.Errorf("failed to load caption model: %w", err)
		}
		defer captioner.Close()

		c := &captionCommand{captioner: captioner, out: cmd.OutOrStdout(), log: env.Log}

		if save {
			db, err := env.OpenDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			c.storage, err = storage.NewLocalStorage(env.Config.Server.UploadDir)
			if err != nil {
				return fmt.Errorf("failed to initialize storage: %w", err)
			}
			c.curation = curation.NewService(database.NewLabeledImageRepository(db),
				curation.WithLogger(env.Log.Named("curation")))
		}

		failed := 0
		for _, path := range args {
			if err := c.caption(cmd.Context(), path); err != nil {
				fmt.Fprintf(c.out, "❌ %s: %v\n", path, err)
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d images failed", failed, len(args))
		}
		return nil
	}
	return cmd
}

type captionCommand struct {
	captioner *ai.Captioner
	storage   storage.Storage
	curation  *curation.Service
	out       io.Writer
	log       *zap.Logger
}

func (c *captionCommand) caption(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	result, err := c.captioner.CaptionImage(ctx, data)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "%s: %q (%d steps, %s, %s)\n",
		path, result.Caption, result.Steps, result.Stop, result.Elapsed.Round(time.Millisecond))

	if c.curation == nil {
		return nil
	}

	filename, err := c.storage.SaveFile(bytes.NewReader(data), storage.FileInfo{
		Filename:    filepath.Base(path),
		ContentType: http.DetectContentType(data),
		Size:        int64(len(data)),
	})
	if err != nil {
		return fmt.Errorf("failed to store image: %w", err)
	}

	record, err := c.curation.CreateRecord(ctx, filename, result.Caption)
	if err != nil {
		if delErr := c.storage.DeleteFile(filename); delErr != nil {
			c.log.Warn("failed to remove stored image", zap.String("file", filename), zap.Error(delErr))
		}
		return fmt.Errorf("failed to create record: %w", err)
	}

	fmt.Fprintf(c.out, "   saved as %s (record %s)\n", filename, record.ID)
	return nil
}
