package api

import (
	"context"

	"go.uber.org/zap"

	"github.com/kdimtricp/imgcaption/internal/ai"
	"github.com/kdimtricp/imgcaption/internal/database"
	"github.com/kdimtricp/imgcaption/internal/metrics"
	"github.com/kdimtricp/imgcaption/internal/models"
	"github.com/kdimtricp/imgcaption/internal/stats"
	"github.com/kdimtricp/imgcaption/internal/storage"
)

type Captioner interface {
	Ready() error
	CaptionImage(ctx context.Context, data []byte) (*ai.CaptionResult, error)
}

type CurationService interface {
	CreateRecord(ctx context.Context, imagePath, caption string) (*models.LabeledImage, error)
	Get(ctx context.Context, id string) (*models.LabeledImage, error)
	Approve(ctx context.Context, id string) (*models.LabeledImage, error)
	Correct(ctx context.Context, id, userCaption, split string) (*models.LabeledImage, error)
	Verify(ctx context.Context, id, reviewer string) (*models.LabeledImage, error)
}

type StatsService interface {
	Statistics(ctx context.Context) (*stats.Statistics, error)
	ListRecordsPage(ctx context.Context, number int) (*stats.Page, error)
}

// DatasetSource walks records for export.
type DatasetSource interface {
	Each(ctx context.Context, filter database.Filter, batchSize int, fn func(*models.LabeledImage) error) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// App holds the dependencies shared by all handlers.
type App struct {
	Storage       storage.Storage
	DB            Pinger
	Captioner     Captioner
	Curation      CurationService
	Stats         StatsService
	Dataset       DatasetSource
	Metrics       *metrics.Metrics
	Log           *zap.Logger
	MaxUploadSize int64
}

func (app *App) logger() *zap.Logger {
	if app.Log == nil {
		return zap.NewNop()
	}
	return app.Log
}
