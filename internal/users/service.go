package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bookswap-hq/bookswap/backend/internal/auth"
	"github.com/bookswap-hq/bookswap/backend/internal/ledger"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ErrAccountNotFound indicates the referenced account does not exist.
var ErrAccountNotFound = errors.New("users: account not found")

// ServiceConfig describes the dependencies required for account resolution.
type ServiceConfig struct {
	Database    *gorm.DB
	Ledger      *ledger.Service
	SignupBonus int64
	Clock       func() time.Time
}

// Service provisions accounts for externally authenticated identities and
// answers profile lookups for notifications.
type Service struct {
	db          *gorm.DB
	ledger      *ledger.Service
	signupBonus int64
	now         func() time.Time
	provisioned sync.Map
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("users: ledger service required")
	}
	if cfg.SignupBonus < 0 {
		return nil, fmt.Errorf("users: signup bonus must not be negative")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:          cfg.Database,
		ledger:      cfg.Ledger,
		signupBonus: cfg.SignupBonus,
		now:         clock,
	}, nil
}

// Resolve returns the account backing the provided session claims, creating
// it on first sight. A new account starts at zero points and receives the
// signup bonus as a ledger entry inside the same transaction, so the ledger
// sum matches the balance from the moment the account exists.
func (s *Service) Resolve(ctx context.Context, claims auth.SessionClaims) (ledger.Account, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		userID = normalize(claims.Subject)
	}
	if userID == "" {
		return ledger.Account{}, ErrInvalidIdentity
	}

	var account ledger.Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = ledger.Account{
			UserID:      userID,
			DisplayName: normalize(claims.UserDisplayName),
			Email:       normalize(claims.UserEmail),
		}
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&account).Error; err != nil {
				return err
			}
			if s.signupBonus > 0 {
				if _, err := s.ledger.Apply(tx, ledger.Entry{
					UserID:      userID,
					Amount:      s.signupBonus,
					Type:        ledger.EntryTypeBonus,
					Description: "Welcome bonus",
				}); err != nil {
					return err
				}
				account.Points = s.signupBonus
			}
			return nil
		})
		if txErr != nil {
			return ledger.Account{}, txErr
		}
		s.provisioned.Store(userID, true)
		return account, nil
	}
	if err != nil {
		return ledger.Account{}, err
	}

	if _, seen := s.provisioned.Load(userID); !seen {
		updates := map[string]interface{}{}
		if display := normalize(claims.UserDisplayName); display != "" && display != account.DisplayName {
			updates["display_name"] = display
			account.DisplayName = display
		}
		if email := normalize(claims.UserEmail); email != "" && email != account.Email {
			updates["email"] = email
			account.Email = email
		}
		if len(updates) > 0 {
			_ = s.db.WithContext(ctx).Model(&ledger.Account{}).
				Where("user_id = ?", userID).
				Updates(updates).Error
		}
		s.provisioned.Store(userID, true)
	}

	return account, nil
}

// Get returns the account for the provided identifier.
func (s *Service) Get(ctx context.Context, userID string) (ledger.Account, error) {
	var account ledger.Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	return account, nil
}

// DisplayName resolves a user-facing name, falling back to the raw id when
// the account is missing or has no display name set.
func (s *Service) DisplayName(ctx context.Context, userID string) string {
	account, err := s.Get(ctx, userID)
	if err != nil || strings.TrimSpace(account.DisplayName) == "" {
		return userID
	}
	return account.DisplayName
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
