package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// Status enumerates the request state machine. PENDING is the only
// non-terminal entry state; COMPLETED, DECLINED, and CANCELLED are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusCompleted Status = "completed"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
)

// ErrInvalidStatus indicates an unrecognized status value.
var ErrInvalidStatus = errors.New("exchange: invalid status")

// ParseStatus validates raw input and returns a Status.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, nil
	case StatusAccepted:
		return StatusAccepted, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusDeclined:
		return StatusDeclined, nil
	case StatusCancelled:
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Terminal reports whether no further transition is defined out of the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusCancelled:
		return true
	default:
		return false
	}
}

// Request is one exchange request. OwnerID snapshots the book owner at
// creation time and PointsOffered the appraisal reserved then; neither is
// ever recomputed. A request becomes immutable once terminal.
type Request struct {
	RequestID        string `gorm:"column:request_id;primaryKey;size:190;not null"`
	BookID           string `gorm:"column:book_id;size:190;not null;index:idx_requests_book_status,priority:1"`
	RequesterID      string `gorm:"column:requester_id;size:190;not null;index:idx_requests_requester"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_requests_owner"`
	PointsOffered    int64  `gorm:"column:points_offered;not null"`
	Message          string `gorm:"column:message;type:text;not null;default:''"`
	Status           Status `gorm:"column:status;size:16;not null;index:idx_requests_book_status,priority:2"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Request) TableName() string {
	return "book_requests"
}

// EventType enumerates notification events emitted by the state machine.
type EventType string

const (
	// EventTypeBookRequest notifies an owner of a new request on their book.
	EventTypeBookRequest EventType = "book-request"
	// EventTypeRequestUpdate notifies a requester of a status change.
	EventTypeRequestUpdate EventType = "request-update"
)

// Event is a fire-and-forget notification. Delivery is best effort and never
// transactional with the ledger write that caused it.
type Event struct {
	TargetUserID string    `json:"target_user_id"`
	Type         EventType `json:"type"`
	RequestID    string    `json:"request_id"`
	BookID       string    `json:"book_id"`
	BookTitle    string    `json:"book_title"`
	Status       Status    `json:"status,omitempty"`
	ActorName    string    `json:"actor_name,omitempty"`
	Points       int64     `json:"points,omitempty"`
}

// Counts summarizes a user's open requests on both sides of the exchange.
type Counts struct {
	IncomingPending int64 `json:"incoming_pending"`
	OutgoingPending int64 `json:"outgoing_pending"`
}
