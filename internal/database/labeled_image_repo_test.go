package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdimtricp/imgcaption/internal/models"
)

func TestLabeledImageRepository(t *testing.T) {
	runRepositorySuite(t, setupTestDB)
}

// runRepositorySuite exercises the repository against a fresh database per
// subtest. It is shared by the SQLite and PostgreSQL test entry points.
func runRepositorySuite(t *testing.T, newDB func(t *testing.T) *DB) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		repo := NewLabeledImageRepository(newDB(t))

		image := models.NewLabeledImage("uploads/dog.jpg", "a dog runs")
		require.NoError(t, repo.Create(ctx, image))

		got, err := repo.GetByID(ctx, image.ID)
		require.NoError(t, err)
		assert.Equal(t, image.ID, got.ID)
		assert.Equal(t, "uploads/dog.jpg", got.ImagePath)
		assert.Equal(t, "a dog runs", got.GeneratedCaption)
		assert.Equal(t, models.SplitTrain, got.DatasetSplit)
		assert.Nil(t, got.UserCaption)
		assert.False(t, got.Verification.Verified)
		assert.Nil(t, got.Verification.By)
		assert.Nil(t, got.Verification.At)
	})

	t.Run("GetByIDNotFound", func(t *testing.T) {
		repo := NewLabeledImageRepository(newDB(t))

		_, err := repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("CreateRejectsInvariantViolation", func(t *testing.T) {
		repo := NewLabeledImageRepository(newDB(t))

		image := models.NewLabeledImage("a.jpg", "caption")
		image.NeedsCorrection = true
		assert.ErrorIs(t, repo.Create(ctx, image), models.ErrInvariant)
	})

	t.Run("UpdateWritesMutableColumnsOnly", func(t *testing.T) {
		repo := NewLabeledImageRepository(newDB(t))

		image := models.NewLabeledImage("a.jpg", "a dog runs")
		require.NoError(t, repo.Create(ctx, image))

		updated, err := repo.Update(ctx, image.ID, func(li *models.LabeledImage) error {
			li.GeneratedCaption = "tampered"
			li.ImagePath = "elsewhere.jpg"
			return li.Correct("a cat sleeps", models.SplitVal)
		})
		require.NoError(t, err)
		assert.Equal(t, models.StateCorrected, updated.State())

		got, err := repo.GetByID(ctx, image.ID)
		require.NoError(t, err)
		assert.Equal(t, "a dog runs", got.GeneratedCaption)
		assert.Equal(t, "a.jpg", got.ImagePath)
		assert.Equal(t, "a cat sleeps", *got.UserCaption)
		assert.True(t, got.Approved)
		assert.True(t, got.NeedsCorrection)
		assert.Equal(t, models.SplitVal, got.DatasetSplit)
	})

	t.Run("UpdatePersistsVerification", func(t *testing.T) {
		repo := NewLabeledImageRepository(newDB(t))

		image := models.NewLabeledImage("a.jpg", "a dog runs")
		require.NoError(t, repo.Create(ctx, image))

		at := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
		_, err := repo.Update(ctx, image.ID, func(li *models.LabeledImage) error {
			li.Verify("reviewer-1", at)
			return nil
		})
		require.NoError(t, err)

		got, err := repo.GetByID(ctx, image.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Verification.By)
		require.NotNil(t, got.Verification.At)
		assert.True(t, got.Verification.Verified)
		assert.Equal(t, "reviewer-1", *got.Verification.By)
		assert.True(t, at.Equal(*got.Verification.At))
	})

	t.Run("UpdateMissingRecord", func(t *testing.T) {
		repo := NewLabeledImageRepository(newDB(t))

		called := false
		_, err := repo.Update(ctx, "missing-id", func(*models.LabeledImage) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, ErrRecordNotFound)
		assert.False(t, called)
	})

	t.Run("UpdateAbortsOnMutateError", func(t *testing.T) {
		repo := NewLabeledImageRepository(newDB(t))

		image := models.NewLabeledImage("a.jpg", "a dog runs")
		require.NoError(t, repo.Create(ctx, image))

		boom := errors.New("boom")
		_, err := repo.Update(ctx, image.ID, func(li *models.LabeledImage) error {
			li.Approve()
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := repo.GetByID(ctx, image.ID)
		require.NoError(t, err)
		assert.False(t, got.Approved)
	})

	t.Run("ConcurrentUpdatesKeepInvariants", func(t *testing.T) {
		repo := NewLabeledImageRepository(newDB(t))

		image := models.NewLabeledImage("a.jpg", "a dog runs")
		require.NoError(t, repo.Create(ctx, image))

		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := repo.Update(ctx, image.ID, func(li *models.LabeledImage) error {
					if i%2 == 0 {
						li.Approve()
						return nil
					}
					return li.Correct(fmt.Sprintf("caption %d", i), models.SplitTest)
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := repo.GetByID(ctx, image.ID)
		require.NoError(t, err)
		assert.True(t, got.Approved)
		assert.NoError(t, got.Validate())
	})

	t.Run("CountWithFilters", func(t *testing.T) {
		repo := NewLabeledImageRepository(newDB(t))
		seedCuratedRecords(t, repo)

		total, err := repo.Count(ctx, Filter{})
		require.NoError(t, err)
		assert.EqualValues(t, 10, total)

		yes := true
		approved, err := repo.Count(ctx, Filter{Approved: &yes})
		require.NoError(t, err)
		assert.EqualValues(t, 3, approved)

		corrected, err := repo.Count(ctx, Filter{NeedsCorrection: &yes})
		require.NoError(t, err)
		assert.EqualValues(t, 1, corrected)

		val, err := repo.Count(ctx, Filter{Split: models.SplitVal})
		require.NoError(t, err)
		assert.EqualValues(t, 1, val)
	})

	t.Run("CountBySplit", func(t *testing.T) {
		repo := NewLabeledImageRepository(newDB(t))
		seedCuratedRecords(t, repo)

		counts, err := repo.CountBySplit(ctx, Filter{})
		require.NoError(t, err)
		assert.EqualValues(t, 9, counts[models.SplitTrain])
		assert.EqualValues(t, 1, counts[models.SplitVal])
		assert.EqualValues(t, 0, counts[models.SplitTest])
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		repo := NewLabeledImageRepository(newDB(t))

		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		ids := make([]string, 5)
		for i := range 5 {
			image := models.NewLabeledImage(fmt.Sprintf("%d.jpg", i), fmt.Sprintf("caption %d", i))
			image.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			require.NoError(t, repo.Create(ctx, image))
			ids[i] = image.ID
		}

		page, err := repo.List(ctx, Filter{}, 0, 3)
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, ids[4], page[0].ID)
		assert.Equal(t, ids[3], page[1].ID)
		assert.Equal(t, ids[2], page[2].ID)

		rest, err := repo.List(ctx, Filter{}, 3, 3)
		require.NoError(t, err)
		require.Len(t, rest, 2)
		assert.Equal(t, ids[0], rest[1].ID)
	})

	t.Run("EachVisitsFilteredRecords", func(t *testing.T) {
		repo := NewLabeledImageRepository(newDB(t))
		seedCuratedRecords(t, repo)

		yes := true
		var seen []string
		err := repo.Each(ctx, Filter{Approved: &yes}, 2, func(li *models.LabeledImage) error {
			seen = append(seen, li.ID)
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, seen, 3)
	})
}

// seedCuratedRecords stores ten records: two approved, one corrected into
// the val split, seven untouched.
func seedCuratedRecords(t *testing.T, repo *LabeledImageRepository) {
	t.Helper()
	ctx := context.Background()

	for i := range 10 {
		image := models.NewLabeledImage(fmt.Sprintf("%d.jpg", i), fmt.Sprintf("caption %d", i))
		switch i {
		case 0, 1:
			image.Approve()
		case 2:
			require.NoError(t, image.Correct("fixed", models.SplitVal))
		}
		require.NoError(t, repo.Create(ctx, image))
	}
}
