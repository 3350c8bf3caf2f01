package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/kdimtricp/imgcaption/internal/storage"
)

type captionResponse struct {
	ID        string         `json:"id"`
	Caption   string         `json:"caption"`
	ImageURL  string         `json:"image_url"`
	Steps     int            `json:"steps"`
	Underflow bool           `json:"underflow"`
	Record    recordResponse `json:"record"`
}

// CaptionUploadHandler stores the uploaded image, captions it and creates
// the labeled image record. The stored file is removed again when any later
// step fails.
func (app *App) CaptionUploadHandler(w http.ResponseWriter, r *http.Request) {
	if err := app.Captioner.Ready(); err != nil {
		app.writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, app.MaxUploadSize)

	if err := r.ParseMultipartForm(app.MaxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || r.ContentLength > app.MaxUploadSize {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "File too large"})
			return
		}
		badRequest(w, "Invalid multipart form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		badRequest(w, "Failed to get file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		badRequest(w, "Failed to read file")
		return
	}
	if len(data) == 0 {
		badRequest(w, "Empty file")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	filename, err := app.Storage.SaveFile(bytes.NewReader(data), storage.FileInfo{
		Filename:    header.Filename,
		ContentType: contentType,
		Size:        int64(len(data)),
	})
	if err != nil {
		app.writeError(w, r, err)
		return
	}

	log := app.logger().With(zap.String("file", filename))

	result, err := app.Captioner.CaptionImage(r.Context(), data)
	if err != nil {
		app.discardUpload(log, filename)
		app.writeError(w, r, err)
		return
	}

	record, err := app.Curation.CreateRecord(r.Context(), filename, result.Caption)
	if err != nil {
		app.discardUpload(log, filename)
		app.writeError(w, r, err)
		return
	}

	log.Info("image captioned",
		zap.String("id", record.ID),
		zap.Int("steps", result.Steps),
		zap.Duration("elapsed", result.Elapsed))

	writeJSON(w, http.StatusCreated, captionResponse{
		ID:        record.ID,
		Caption:   result.Caption,
		ImageURL:  imageURL(filename),
		Steps:     result.Steps,
		Underflow: result.Underflow,
		Record:    newRecordResponse(record),
	})
}

func (app *App) discardUpload(log *zap.Logger, filename string) {
	if err := app.Storage.DeleteFile(filename); err != nil {
		log.Warn("failed to remove upload", zap.Error(err))
	}
}
