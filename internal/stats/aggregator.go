package stats

import (
	"context"
	"maps"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/kdimtricp/imgcaption/internal/database"
	"github.com/kdimtricp/imgcaption/internal/models"
)

const (
	PageSize = 10

	DefaultCacheTTL = 5 * time.Second

	statisticsKey = "statistics"
)

// Store is the read side of the labeled image repository.
type Store interface {
	Count(ctx context.Context, filter database.Filter) (int64, error)
	CountBySplit(ctx context.Context, filter database.Filter) (map[models.DatasetSplit]int64, error)
	List(ctx context.Context, filter database.Filter, offset, limit int) ([]models.LabeledImage, error)
}

type Statistics struct {
	Total        int64                         `json:"total_images"`
	Approved     int64                         `json:"approved_images"`
	Corrected    int64                         `json:"corrected_images"`
	Verified     int64                         `json:"verified_images"`
	ApprovalRate float64                       `json:"approval_rate"`
	Splits       map[models.DatasetSplit]int64 `json:"splits"`
}

// Page is one page of records, newest first.
type Page struct {
	Items       []models.LabeledImage `json:"items"`
	Number      int                   `json:"page_number"`
	NumPages    int                   `json:"num_pages"`
	Total       int64                 `json:"total"`
	HasNext     bool                  `json:"has_next"`
	HasPrevious bool                  `json:"has_previous"`
	// StartIndex and EndIndex are the 1-based positions of the first and
	// last item in the whole listing, both 0 on an empty page.
	StartIndex int `json:"start_index"`
	EndIndex   int `json:"end_index"`
}

type Aggregator struct {
	store Store
	cache *cache.Cache
	log   *zap.Logger
}

// NewAggregator caches statistics snapshots for ttl. A ttl of zero or less
// disables caching.
func NewAggregator(store Store, ttl time.Duration, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Aggregator{store: store, log: log}
	if ttl > 0 {
		a.cache = cache.New(ttl, 2*ttl)
	}
	return a
}

// Statistics counts the corpus. Approval rate is approved/total*100 rounded
// to two decimals, 0 for an empty corpus. Each caller gets its own copy.
//
// A computation that overlaps a write may store its snapshot after the
// write's Invalidate, so a result can lag the store by up to one TTL.
func (a *Aggregator) Statistics(ctx context.Context) (*Statistics, error) {
	if a.cache != nil {
		if cached, ok := a.cache.Get(statisticsKey); ok {
			return cached.(*Statistics).clone(), nil
		}
	}

	yes := true
	total, err := a.store.Count(ctx, database.Filter{})
	if err != nil {
		return nil, err
	}
	approved, err := a.store.Count(ctx, database.Filter{Approved: &yes})
	if err != nil {
		return nil, err
	}
	corrected, err := a.store.Count(ctx, database.Filter{NeedsCorrection: &yes})
	if err != nil {
		return nil, err
	}
	verified, err := a.store.Count(ctx, database.Filter{Verified: &yes})
	if err != nil {
		return nil, err
	}
	splits, err := a.store.CountBySplit(ctx, database.Filter{})
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		Total:        total,
		Approved:     approved,
		Corrected:    corrected,
		Verified:     verified,
		ApprovalRate: ApprovalRate(approved, total),
		Splits:       splits,
	}

	if a.cache != nil {
		a.cache.SetDefault(statisticsKey, stats.clone())
	}
	return stats, nil
}

func (s *Statistics) clone() *Statistics {
	c := *s
	c.Splits = maps.Clone(s.Splits)
	return &c
}

// Invalidate drops the cached statistics snapshot.
func (a *Aggregator) Invalidate() {
	if a.cache != nil {
		a.cache.Delete(statisticsKey)
	}
}

// ListRecordsPage returns page number of the listing. Numbers below 1 clamp
// to the first page and numbers past the end to the last one. An empty
// corpus has a single empty page.
func (a *Aggregator) ListRecordsPage(ctx context.Context, number int) (*Page, error) {
	total, err := a.store.Count(ctx, database.Filter{})
	if err != nil {
		return nil, err
	}

	numPages := NumPages(total)
	number = min(max(number, 1), numPages)

	page := &Page{
		Number:      number,
		NumPages:    numPages,
		Total:       total,
		HasNext:     number < numPages,
		HasPrevious: number > 1,
		Items:       []models.LabeledImage{},
	}
	if total == 0 {
		return page, nil
	}

	offset := (number - 1) * PageSize
	items, err := a.store.List(ctx, database.Filter{}, offset, PageSize)
	if err != nil {
		return nil, err
	}
	page.Items = items
	if len(items) > 0 {
		page.StartIndex = offset + 1
		page.EndIndex = offset + len(items)
	}

	a.log.Debug("records page listed",
		zap.Int("page", number),
		zap.Int("num_pages", numPages),
		zap.Int("items", len(items)))

	return page, nil
}

// ApprovalRate is approved/total*100 rounded to two decimals. Rounding is
// done on the exact binary value with ties to even, so 1/32 gives 3.12.
func ApprovalRate(approved, total int64) float64 {
	if total <= 0 {
		return 0
	}
	rate := float64(approved) / float64(total) * 100
	rounded, err := strconv.ParseFloat(strconv.FormatFloat(rate, 'f', 2, 64), 64)
	if err != nil {
		return rate
	}
	return rounded
}

// NumPages is never less than 1.
func NumPages(total int64) int {
	if total <= 0 {
		return 1
	}
	return int((total + PageSize - 1) / PageSize)
}
