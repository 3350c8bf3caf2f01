package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/kdimtricp/imgcaption/internal/database"
	"github.com/kdimtricp/imgcaption/internal/models"
	"github.com/kdimtricp/imgcaption/internal/stats"
)

const exportBatchSize = 200

type statisticsResponse struct {
	Stats *stats.Statistics `json:"stats"`
	Page  *pageResponse     `json:"page"`
}

// StatisticsHandler returns the corpus counters together with one page of
// recent records.
func (app *App) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	statistics, err := app.Stats.Statistics(r.Context())
	if err != nil {
		app.writeError(w, r, err)
		return
	}

	page, err := app.recordsPage(r)
	if err != nil {
		app.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statisticsResponse{Stats: statistics, Page: page})
}

type datasetLine struct {
	ID        string `json:"id"`
	ImagePath string `json:"image_path"`
	Caption   string `json:"caption"`
	Split     string `json:"split"`
	Verified  bool   `json:"verified"`
}

// DatasetExportHandler streams approved records as JSON Lines. ?split=
// restricts the export to one split.
func (app *App) DatasetExportHandler(w http.ResponseWriter, r *http.Request) {
	approved := true
	filter := database.Filter{Approved: &approved}

	if raw := r.URL.Query().Get("split"); raw != "" {
		split, err := models.ParseDatasetSplit(raw)
		if err != nil {
			app.writeError(w, r, err)
			return
		}
		filter.Split = split
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	count := 0
	err := app.Dataset.Each(r.Context(), filter, exportBatchSize, func(li *models.LabeledImage) error {
		count++
		return enc.Encode(datasetLine{
			ID:        li.ID,
			ImagePath: li.ImagePath,
			Caption:   li.FinalCaption(),
			Split:     string(li.DatasetSplit),
			Verified:  li.Verification.Verified,
		})
	})
	if err != nil {
		// headers are gone, the client sees a truncated stream
		app.logger().Error("dataset export aborted",
			zap.Int("exported", count),
			zap.Error(err))
		return
	}

	app.logger().Info("dataset exported",
		zap.String("split", string(filter.Split)),
		zap.Int("records", count))
}
