package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrInvalidSplit = errors.New("invalid dataset split")
	ErrInvariant    = errors.New("labeled image invariant violated")
)

type DatasetSplit string

const (
	SplitTrain DatasetSplit = "train"
	SplitTest  DatasetSplit = "test"
	SplitVal   DatasetSplit = "val"
)

// DatasetSplits lists the valid splits in display order.
var DatasetSplits = []DatasetSplit{SplitTrain, SplitTest, SplitVal}

// ParseDatasetSplit accepts exactly "train", "test" or "val".
func ParseDatasetSplit(s string) (DatasetSplit, error) {
	split := DatasetSplit(s)
	if !split.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSplit, s)
	}
	return split, nil
}

func (s DatasetSplit) Valid() bool {
	switch s {
	case SplitTrain, SplitTest, SplitVal:
		return true
	}
	return false
}

// CurationState is the approve/correct lifecycle of a record. It is derived
// from the persisted approved / needs_correction columns.
type CurationState int

const (
	StateGenerated CurationState = iota
	StateApproved
	StateCorrected
)

func (s CurationState) String() string {
	switch s {
	case StateGenerated:
		return "generated"
	case StateApproved:
		return "approved"
	case StateCorrected:
		return "corrected"
	default:
		return fmt.Sprintf("CurationState(%d)", int(s))
	}
}

// Verification is the secondary sign-off on a record. By and At are either
// both nil or both set.
type Verification struct {
	Verified bool       `gorm:"column:verified;not null;default:false" json:"verified"`
	By       *string    `gorm:"column:verified_by;size:100" json:"verified_by"`
	At       *time.Time `gorm:"column:verified_at" json:"verified_at"`
}

type LabeledImage struct {
	ID               string       `gorm:"type:varchar(36);primaryKey" json:"id"`
	ImagePath        string       `gorm:"not null" json:"image_path"`
	GeneratedCaption string       `gorm:"type:text" json:"generated_caption"`
	UserCaption      *string      `gorm:"type:text" json:"user_caption"`
	Approved         bool         `gorm:"not null;default:false;index" json:"approved"`
	NeedsCorrection  bool         `gorm:"not null;default:false;index" json:"needs_correction"`
	DatasetSplit     DatasetSplit `gorm:"size:10;not null;default:train;index" json:"dataset_split"`
	Verification     Verification `gorm:"embedded" json:"verification"`
	CreatedAt        time.Time    `gorm:"not null;index" json:"created_at"`
}

func (LabeledImage) TableName() string {
	return "labeled_images"
}

func NewLabeledImage(imagePath, generatedCaption string) *LabeledImage {
	return &LabeledImage{
		ID:               uuid.New().String(),
		ImagePath:        imagePath,
		GeneratedCaption: generatedCaption,
		DatasetSplit:     SplitTrain,
		CreatedAt:        time.Now().UTC(),
	}
}

func (li *LabeledImage) State() CurationState {
	switch {
	case li.Approved && li.NeedsCorrection:
		return StateCorrected
	case li.Approved:
		return StateApproved
	default:
		return StateGenerated
	}
}

// Approve accepts the generated caption as-is.
func (li *LabeledImage) Approve() {
	caption := li.GeneratedCaption
	li.UserCaption = &caption
	li.Approved = true
}

// Correct records a reviewer-edited caption and the split it belongs to.
func (li *LabeledImage) Correct(userCaption string, split DatasetSplit) error {
	if !split.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSplit, split)
	}
	li.UserCaption = &userCaption
	li.Approved = true
	li.NeedsCorrection = true
	li.DatasetSplit = split
	return nil
}

// Verify marks the record as signed off by reviewer. Repeated calls
// overwrite the previous reviewer and time.
func (li *LabeledImage) Verify(reviewer string, at time.Time) {
	at = at.UTC()
	li.Verification = Verification{
		Verified: true,
		By:       &reviewer,
		At:       &at,
	}
}

// FinalCaption is the reviewer caption when present, otherwise the generated one.
func (li *LabeledImage) FinalCaption() string {
	if li.UserCaption != nil && *li.UserCaption != "" {
		return *li.UserCaption
	}
	return li.GeneratedCaption
}

func (li *LabeledImage) IsCorrected() bool {
	return li.UserCaption != nil && *li.UserCaption != "" && *li.UserCaption != li.GeneratedCaption
}

func (li *LabeledImage) Validate() error {
	if !li.DatasetSplit.Valid() {
		return fmt.Errorf("%w: dataset_split %q", ErrInvariant, li.DatasetSplit)
	}
	if li.NeedsCorrection && !li.Approved {
		return fmt.Errorf("%w: needs_correction set on an unapproved record", ErrInvariant)
	}
	v := li.Verification
	if (v.By == nil) != (v.At == nil) {
		return fmt.Errorf("%w: verified_by and verified_at must be set together", ErrInvariant)
	}
	if v.Verified != (v.By != nil) {
		return fmt.Errorf("%w: verified flag disagrees with reviewer fields", ErrInvariant)
	}
	return nil
}

// BeforeSave keeps invalid composite state out of the table.
func (li *LabeledImage) BeforeSave(tx *gorm.DB) error {
	return li.Validate()
}
