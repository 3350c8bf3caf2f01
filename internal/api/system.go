package api

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kdimtricp/imgcaption/internal/storage"
)

func PingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	ModelError  string `json:"model_error,omitempty"`
	Database    string `json:"database"`
}

// HealthHandler reports model readiness and database reachability. Either
// failing turns the answer into a 503.
func (app *App) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", ModelLoaded: true, Database: "ok"}

	if err := app.Captioner.Ready(); err != nil {
		resp.Status = "unavailable"
		resp.ModelLoaded = false
		resp.ModelError = err.Error()
	}
	if app.DB != nil {
		if err := app.DB.Ping(r.Context()); err != nil {
			resp.Status = "unavailable"
			resp.Database = "unreachable"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// ServeUploadHandler serves stored images with Range support.
func (app *App) ServeUploadHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")

	file, err := app.Storage.OpenFile(name)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) || errors.Is(err, storage.ErrInvalidPath) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "Error accessing image", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	var modTime time.Time
	if stater, ok := file.(interface{ Stat() (os.FileInfo, error) }); ok {
		if stat, err := stater.Stat(); err == nil {
			modTime = stat.ModTime()
		}
	}

	http.ServeContent(w, r, name, modTime, file)
}
