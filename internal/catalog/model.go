package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// Condition grades the physical state of a listed copy.
type Condition string

const (
	ConditionNew        Condition = "new"
	ConditionLikeNew    Condition = "like_new"
	ConditionVeryGood   Condition = "very_good"
	ConditionGood       Condition = "good"
	ConditionAcceptable Condition = "acceptable"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCondition indicates an unrecognized condition grade.
	ErrInvalidCondition = errors.New("catalog: invalid condition")
	// ErrInvalidListing indicates a listing input failed validation.
	ErrInvalidListing = errors.New("catalog: invalid listing")
	// ErrBookNotFound indicates the referenced book does not exist.
	ErrBookNotFound = errors.New("catalog: book not found")
)

// ParseCondition validates raw input and returns a Condition.
func ParseCondition(raw string) (Condition, error) {
	switch Condition(strings.ToLower(strings.TrimSpace(raw))) {
	case ConditionNew:
		return ConditionNew, nil
	case ConditionLikeNew:
		return ConditionLikeNew, nil
	case ConditionVeryGood:
		return ConditionVeryGood, nil
	case ConditionGood:
		return ConditionGood, nil
	case ConditionAcceptable:
		return ConditionAcceptable, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCondition, raw)
	}
}

// Book is one catalog row. The digital id is fixed to the physical copy for
// its entire lifetime across ownership transfers and re-listings, while the
// book id identifies this particular listing.
type Book struct {
	BookID           string    `gorm:"column:book_id;primaryKey;size:190;not null"`
	DigitalID        string    `gorm:"column:digital_id;size:190;not null;index:idx_books_digital"`
	Title            string    `gorm:"column:title;size:320;not null"`
	Author           string    `gorm:"column:author;size:320;not null"`
	Condition        Condition `gorm:"column:condition;size:32;not null"`
	OwnerID          string    `gorm:"column:owner_id;size:190;not null;index:idx_books_owner"`
	Available        bool      `gorm:"column:is_available;not null;default:true"`
	PointValue       int64     `gorm:"column:point_value;not null;default:0"`
	CreatedAtSeconds int64     `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Book) TableName() string {
	return "books"
}

// ListingInput describes a book to add to the catalog. DigitalID is empty
// for a copy new to the platform and carries the existing provenance id when
// a previously exchanged copy is re-listed.
type ListingInput struct {
	OwnerID   string
	Title     string
	Author    string
	Condition Condition
	DigitalID string
}

func (in ListingInput) validate() error {
	if strings.TrimSpace(in.OwnerID) == "" || len(in.OwnerID) > maxIdentifierLength {
		return fmt.Errorf("%w: owner id", ErrInvalidListing)
	}
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title required", ErrInvalidListing)
	}
	if strings.TrimSpace(in.Author) == "" {
		return fmt.Errorf("%w: author required", ErrInvalidListing)
	}
	if _, err := ParseCondition(string(in.Condition)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidListing, err)
	}
	return nil
}
