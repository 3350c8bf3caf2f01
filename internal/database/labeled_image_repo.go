package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kdimtricp/imgcaption/internal/models"
)

var ErrRecordNotFound = errors.New("labeled image not found")

// mutableColumns are the only columns Update writes. id, image_path,
// generated_caption and created_at never change after insert.
var mutableColumns = []string{
	"user_caption",
	"approved",
	"needs_correction",
	"dataset_split",
	"verified",
	"verified_by",
	"verified_at",
}

// Filter narrows Count and List. Nil / empty fields match everything.
type Filter struct {
	Approved        *bool
	NeedsCorrection *bool
	Verified        *bool
	Split           models.DatasetSplit
}

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if f.Approved != nil {
		q = q.Where("approved = ?", *f.Approved)
	}
	if f.NeedsCorrection != nil {
		q = q.Where("needs_correction = ?", *f.NeedsCorrection)
	}
	if f.Verified != nil {
		q = q.Where("verified = ?", *f.Verified)
	}
	if f.Split != "" {
		q = q.Where("dataset_split = ?", f.Split)
	}
	return q
}

type LabeledImageRepository struct {
	db *DB
}

func NewLabeledImageRepository(db *DB) *LabeledImageRepository {
	return &LabeledImageRepository{db: db}
}

func (r *LabeledImageRepository) Create(ctx context.Context, image *models.LabeledImage) error {
	if err := r.db.GORM().WithContext(ctx).Create(image).Error; err != nil {
		return fmt.Errorf("failed to insert labeled image: %w", err)
	}
	return nil
}

func (r *LabeledImageRepository) GetByID(ctx context.Context, id string) (*models.LabeledImage, error) {
	var image models.LabeledImage
	err := r.db.GORM().WithContext(ctx).First(&image, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get labeled image: %w", err)
	}
	return &image, nil
}

// Update loads the record inside a transaction, lets mutate change it and
// writes the mutable columns back. On PostgreSQL the row is locked with
// SELECT ... FOR UPDATE for the duration of the transaction. An error from
// mutate aborts the update and is returned unchanged.
func (r *LabeledImageRepository) Update(ctx context.Context, id string, mutate func(*models.LabeledImage) error) (*models.LabeledImage, error) {
	var image models.LabeledImage

	err := r.db.GORM().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if r.db.dbType == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		if err := q.First(&image, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return fmt.Errorf("failed to load labeled image: %w", err)
		}

		if err := mutate(&image); err != nil {
			return err
		}

		if err := tx.Model(&image).Select(mutableColumns).Updates(&image).Error; err != nil {
			return fmt.Errorf("failed to update labeled image: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &image, nil
}

func (r *LabeledImageRepository) Count(ctx context.Context, filter Filter) (int64, error) {
	var count int64
	q := filter.apply(r.db.GORM().WithContext(ctx).Model(&models.LabeledImage{}))
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count labeled images: %w", err)
	}
	return count, nil
}

// CountBySplit returns the number of records per dataset split.
func (r *LabeledImageRepository) CountBySplit(ctx context.Context, filter Filter) (map[models.DatasetSplit]int64, error) {
	var rows []struct {
		DatasetSplit models.DatasetSplit
		Count        int64
	}

	q := filter.apply(r.db.GORM().WithContext(ctx).Model(&models.LabeledImage{}))
	err := q.Select("dataset_split, COUNT(*) AS count").Group("dataset_split").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count labeled images by split: %w", err)
	}

	counts := make(map[models.DatasetSplit]int64, len(models.DatasetSplits))
	for _, split := range models.DatasetSplits {
		counts[split] = 0
	}
	for _, row := range rows {
		counts[row.DatasetSplit] = row.Count
	}
	return counts, nil
}

// List returns records newest first.
func (r *LabeledImageRepository) List(ctx context.Context, filter Filter, offset, limit int) ([]models.LabeledImage, error) {
	var images []models.LabeledImage

	q := filter.apply(r.db.GORM().WithContext(ctx)).
		Order("created_at DESC").
		Order("id DESC").
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Find(&images).Error; err != nil {
		return nil, fmt.Errorf("failed to list labeled images: %w", err)
	}
	return images, nil
}

// Each walks every record matching filter in primary key order, batchSize
// rows at a time. Returning an error from fn stops the walk.
func (r *LabeledImageRepository) Each(ctx context.Context, filter Filter, batchSize int, fn func(*models.LabeledImage) error) error {
	var batch []models.LabeledImage

	q := filter.apply(r.db.GORM().WithContext(ctx).Model(&models.LabeledImage{}))
	result := q.FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
		for i := range batch {
			if err := fn(&batch[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if result.Error != nil {
		return fmt.Errorf("failed to iterate labeled images: %w", result.Error)
	}
	return nil
}
