package accounts

import (
	"context"
	"errors"
	"strings"
)

// Service owns chart-of-accounts lifecycle rules.
type Service struct {
	repo Repository
}

// NewService constructs the service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// CreateInput groups fields for a new account.
type CreateInput struct {
	Code       string
	Name       string
	Type       AccountType
	ParentID   *int64
	IsPostable bool
}

// Create registers a new account. Codes are unique and immutable.
func (s *Service) Create(ctx context.Context, in CreateInput) (Account, error) {
	code := strings.TrimSpace(in.Code)
	name := strings.TrimSpace(in.Name)
	if code == "" || name == "" {
		return Account{}, errors.New("accounts: code and name required")
	}
	if !in.Type.Valid() {
		return Account{}, ErrInvalidType
	}
	if in.ParentID != nil {
		parent, err := s.repo.GetByID(ctx, *in.ParentID)
		if err != nil {
			return Account{}, err
		}
		if parent.Type != in.Type {
			return Account{}, errors.New("accounts: parent must share the account type")
		}
	}
	return s.repo.Insert(ctx, Account{
		Code:       code,
		Name:       name,
		Type:       in.Type,
		ParentID:   in.ParentID,
		IsPostable: in.IsPostable,
		Status:     AccountStatusActive,
	})
}

// UpdateInput carries metadata edits. The code and type never change; a Code
// that differs from the stored one is rejected rather than ignored.
type UpdateInput struct {
	ID         int64
	Code       string
	Name       string
	ParentID   *int64
	IsPostable *bool
	Status     AccountStatus
}

// Update applies metadata edits, validating acyclicity on reparent.
func (s *Service) Update(ctx context.Context, in UpdateInput) (Account, error) {
	current, err := s.repo.GetByID(ctx, in.ID)
	if err != nil {
		return Account{}, err
	}
	if current.Status == AccountStatusArchived {
		return Account{}, ErrArchived
	}
	if in.Code != "" && in.Code != current.Code {
		return Account{}, ErrImmutableCode
	}
	if name := strings.TrimSpace(in.Name); name != "" {
		current.Name = name
	}
	if in.IsPostable != nil {
		current.IsPostable = *in.IsPostable
	}
	if in.Status != "" && in.Status != AccountStatusArchived {
		current.Status = in.Status
	}
	if in.ParentID != nil {
		if err := s.validateReparent(ctx, current.ID, *in.ParentID); err != nil {
			return Account{}, err
		}
		current.ParentID = in.ParentID
	}
	return s.repo.Update(ctx, current)
}

// validateReparent walks the parent index from the proposed parent upward and
// rejects any path that reaches the account being moved.
func (s *Service) validateReparent(ctx context.Context, accountID, newParentID int64) error {
	if accountID == newParentID {
		return ErrParentCycle
	}
	if _, err := s.repo.GetByID(ctx, newParentID); err != nil {
		return err
	}
	index, err := s.repo.ParentIndex(ctx)
	if err != nil {
		return err
	}
	seen := map[int64]bool{}
	for cursor := newParentID; cursor != 0; {
		if cursor == accountID {
			return ErrParentCycle
		}
		if seen[cursor] {
			// Pre-existing loop in stored data; refuse to extend it.
			return ErrParentCycle
		}
		seen[cursor] = true
		next, ok := index[cursor]
		if !ok {
			break
		}
		cursor = next
	}
	return nil
}

// Archive soft-deletes the account. Archived accounts accept no new postings
// and the flag is never cleared through this API.
func (s *Service) Archive(ctx context.Context, id int64) error {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == AccountStatusArchived {
		return nil
	}
	return s.repo.UpdateStatus(ctx, id, AccountStatusArchived)
}

// Get returns a single account.
func (s *Service) Get(ctx context.Context, id int64) (Account, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByCode returns a single account by its unique code.
func (s *Service) GetByCode(ctx context.Context, code string) (Account, error) {
	return s.repo.GetByCode(ctx, code)
}

// List returns accounts matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Account, error) {
	return s.repo.List(ctx, filter)
}

// EnsurePostable verifies every id references a postable, non-archived
// account. Used by the journal engine before accepting draft lines.
func (s *Service) EnsurePostable(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	found, err := s.repo.GetMany(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		account, ok := found[id]
		if !ok {
			return ErrNotFound
		}
		if account.Status == AccountStatusArchived {
			return ErrArchived
		}
		if !account.Postable() {
			return ErrNotPostable
		}
	}
	return nil
}
