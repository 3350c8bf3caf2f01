package api

import (
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kdimtricp/imgcaption/internal/curation"
	"github.com/kdimtricp/imgcaption/internal/models"
)

// recordResponse is a labeled image together with its derived fields.
type recordResponse struct {
	ID               string     `json:"id"`
	ImagePath        string     `json:"image_path"`
	ImageURL         string     `json:"image_url"`
	GeneratedCaption string     `json:"generated_caption"`
	UserCaption      *string    `json:"user_caption"`
	FinalCaption     string     `json:"final_caption"`
	State            string     `json:"state"`
	IsCorrected      bool       `json:"is_corrected"`
	Approved         bool       `json:"approved"`
	NeedsCorrection  bool       `json:"needs_correction"`
	DatasetSplit     string     `json:"dataset_split"`
	Verified         bool       `json:"verified"`
	VerifiedBy       *string    `json:"verified_by"`
	VerifiedAt       *time.Time `json:"verified_at"`
	CreatedAt        time.Time  `json:"created_at"`
}

func newRecordResponse(li *models.LabeledImage) recordResponse {
	return recordResponse{
		ID:               li.ID,
		ImagePath:        li.ImagePath,
		ImageURL:         imageURL(li.ImagePath),
		GeneratedCaption: li.GeneratedCaption,
		UserCaption:      li.UserCaption,
		FinalCaption:     li.FinalCaption(),
		State:            li.State().String(),
		IsCorrected:      li.IsCorrected(),
		Approved:         li.Approved,
		NeedsCorrection:  li.NeedsCorrection,
		DatasetSplit:     string(li.DatasetSplit),
		Verified:         li.Verification.Verified,
		VerifiedBy:       li.Verification.By,
		VerifiedAt:       li.Verification.At,
		CreatedAt:        li.CreatedAt,
	}
}

func imageURL(imagePath string) string {
	return path.Join("/uploads", imagePath)
}

// pageParam reads ?page=. Missing or non-integer values mean the first page.
func pageParam(r *http.Request) int {
	page, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("page")))
	if err != nil {
		return 1
	}
	return page
}

type pageResponse struct {
	Items       []recordResponse `json:"items"`
	PageNumber  int              `json:"page_number"`
	NumPages    int              `json:"num_pages"`
	Total       int64            `json:"total"`
	HasNext     bool             `json:"has_next"`
	HasPrevious bool             `json:"has_previous"`
	StartIndex  int              `json:"start_index"`
	EndIndex    int              `json:"end_index"`
}

func (app *App) ListRecordsHandler(w http.ResponseWriter, r *http.Request) {
	page, err := app.recordsPage(r)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (app *App) recordsPage(r *http.Request) (*pageResponse, error) {
	page, err := app.Stats.ListRecordsPage(r.Context(), pageParam(r))
	if err != nil {
		return nil, err
	}

	items := make([]recordResponse, 0, len(page.Items))
	for i := range page.Items {
		items = append(items, newRecordResponse(&page.Items[i]))
	}

	return &pageResponse{
		Items:       items,
		PageNumber:  page.Number,
		NumPages:    page.NumPages,
		Total:       page.Total,
		HasNext:     page.HasNext,
		HasPrevious: page.HasPrevious,
		StartIndex:  page.StartIndex,
		EndIndex:    page.EndIndex,
	}, nil
}

func (app *App) GetRecordHandler(w http.ResponseWriter, r *http.Request) {
	record, err := app.Curation.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordResponse(record))
}

func (app *App) ApproveRecordHandler(w http.ResponseWriter, r *http.Request) {
	record, err := app.Curation.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordResponse(record))
}

type correctRequest struct {
	UserCaption  string `json:"user_caption"`
	DatasetSplit string `json:"dataset_split"`
}

func (app *App) CorrectRecordHandler(w http.ResponseWriter, r *http.Request) {
	var req correctRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	record, err := app.Curation.Correct(r.Context(), chi.URLParam(r, "id"), req.UserCaption, req.DatasetSplit)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordResponse(record))
}

type verifyRequest struct {
	Reviewer string `json:"reviewer"`
}

func (app *App) VerifyRecordHandler(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	record, err := app.Curation.Verify(r.Context(), chi.URLParam(r, "id"), req.Reviewer)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordResponse(record))
}

type feedbackResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CaptionFeedbackHandler takes the form posted by the upload page:
// image_id, action (approve or correct) and, for corrections, user_caption
// and dataset_split (train when omitted).
func (app *App) CaptionFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeJSON(w, http.StatusBadRequest, feedbackResponse{Status: "error", Message: "Invalid request"})
		return
	}

	id := r.PostForm.Get("image_id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, feedbackResponse{Status: "error", Message: "Invalid request"})
		return
	}

	var (
		err     error
		message string
	)
	switch r.PostForm.Get("action") {
	case "approve":
		_, err = app.Curation.Approve(r.Context(), id)
		message = "Caption approved successfully!"
	case "correct":
		split := r.PostForm.Get("dataset_split")
		if split == "" {
			split = string(models.SplitTrain)
		}
		_, err = app.Curation.Correct(r.Context(), id, r.PostForm.Get("user_caption"), split)
		message = "Caption correction saved!"
	default:
		writeJSON(w, http.StatusBadRequest, feedbackResponse{Status: "error", Message: "Invalid request"})
		return
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, feedbackResponse{Status: "success", Message: message})
	case errors.Is(err, curation.ErrNotFound):
		writeJSON(w, http.StatusNotFound, feedbackResponse{Status: "error", Message: "Image not found"})
	case errors.Is(err, curation.ErrInvalidSplit):
		writeJSON(w, http.StatusBadRequest, feedbackResponse{Status: "error", Message: "Invalid dataset split"})
	default:
		app.writeError(w, r, err)
	}
}
