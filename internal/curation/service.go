package curation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kdimtricp/imgcaption/internal/database"
	"github.com/kdimtricp/imgcaption/internal/models"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrInvalidSplit    = models.ErrInvalidSplit
	ErrInvalidReviewer = errors.New("invalid reviewer")
	ErrInvalidRecord   = errors.New("invalid record")
)

// MaxReviewerLength matches the verified_by column width.
const MaxReviewerLength = 100

// Curation actions reported to Recorder.
const (
	ActionCreate  = "create"
	ActionApprove = "approve"
	ActionCorrect = "correct"
	ActionVerify  = "verify"
)

// Store persists labeled images. Update must run mutate and the write in
// one transaction and return mutate's error unchanged.
type Store interface {
	Create(ctx context.Context, image *models.LabeledImage) error
	GetByID(ctx context.Context, id string) (*models.LabeledImage, error)
	Update(ctx context.Context, id string, mutate func(*models.LabeledImage) error) (*models.LabeledImage, error)
}

type Recorder interface {
	ObserveCuration(action string, err error)
}

// Service applies reviewer actions to labeled images.
type Service struct {
	store    Store
	locks    *keyedMutex
	log      *zap.Logger
	recorder Recorder
	now      func() time.Time

	mu       sync.RWMutex
	onChange []func()
}

type Option func(*Service)

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock replaces time.Now for verification timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		locks: newKeyedMutex(),
		log:   zap.NewNop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange registers fn to run after every successful write.
func (s *Service) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *Service) CreateRecord(ctx context.Context, imagePath, caption string) (*models.LabeledImage, error) {
	if strings.TrimSpace(imagePath) == "" {
		return nil, s.done(ActionCreate, "", fmt.Errorf("%w: image path is required", ErrInvalidRecord))
	}

	image := models.NewLabeledImage(imagePath, caption)
	if err := s.store.Create(ctx, image); err != nil {
		return nil, s.done(ActionCreate, image.ID, err)
	}

	s.log.Info("labeled image created",
		zap.String("id", image.ID),
		zap.String("image_path", imagePath))

	return image, s.done(ActionCreate, image.ID, nil)
}

func (s *Service) Get(ctx context.Context, id string) (*models.LabeledImage, error) {
	image, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, translate(id, err)
	}
	return image, nil
}

// Approve accepts the generated caption as the final caption.
func (s *Service) Approve(ctx context.Context, id string) (*models.LabeledImage, error) {
	image, err := s.update(ctx, id, func(li *models.LabeledImage) error {
		li.Approve()
		return nil
	})
	return image, s.done(ActionApprove, id, err)
}

// Correct stores a reviewer caption and assigns the record to split, which
// must be one of train, test or val.
func (s *Service) Correct(ctx context.Context, id, userCaption, split string) (*models.LabeledImage, error) {
	datasetSplit, err := models.ParseDatasetSplit(split)
	if err != nil {
		return nil, s.done(ActionCorrect, id, err)
	}

	image, err := s.update(ctx, id, func(li *models.LabeledImage) error {
		return li.Correct(userCaption, datasetSplit)
	})
	return image, s.done(ActionCorrect, id, err)
}

// Verify marks the record as signed off by reviewer at the current time.
func (s *Service) Verify(ctx context.Context, id, reviewer string) (*models.LabeledImage, error) {
	reviewer = strings.TrimSpace(reviewer)
	switch {
	case reviewer == "":
		return nil, s.done(ActionVerify, id, fmt.Errorf("%w: reviewer is required", ErrInvalidReviewer))
	case utf8.RuneCountInString(reviewer) > MaxReviewerLength:
		return nil, s.done(ActionVerify, id, fmt.Errorf("%w: longer than %d characters", ErrInvalidReviewer, MaxReviewerLength))
	}

	image, err := s.update(ctx, id, func(li *models.LabeledImage) error {
		li.Verify(reviewer, s.now())
		return nil
	})
	return image, s.done(ActionVerify, id, err)
}

// update serializes writers on id within this process; the store's
// transaction covers writers in other processes.
func (s *Service) update(ctx context.Context, id string, mutate func(*models.LabeledImage) error) (*models.LabeledImage, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	image, err := s.store.Update(ctx, id, mutate)
	if err != nil {
		return nil, translate(id, err)
	}
	return image, nil
}

func (s *Service) done(action, id string, err error) error {
	if s.recorder != nil {
		s.recorder.ObserveCuration(action, err)
	}
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidSplit) &&
			!errors.Is(err, ErrInvalidReviewer) && !errors.Is(err, ErrInvalidRecord) {
			s.log.Error("curation action failed",
				zap.String("action", action),
				zap.String("id", id),
				zap.Error(err))
		}
		return err
	}

	s.mu.RLock()
	listeners := s.onChange
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
	return nil
}

func translate(id string, err error) error {
	if errors.Is(err, database.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}
