package journals

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-ledger/atlas-ledger/internal/observability"
	"github.com/atlas-ledger/atlas-ledger/internal/periods"
)

// Service owns the journal-entry lifecycle and the balanced double-entry
// invariant. Posting is the only operation that mutates account balances.
type Service struct {
	repo    Repository
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService constructs the service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithMetrics attaches posting metrics.
func (s *Service) WithMetrics(m *observability.Metrics) {
	s.metrics = m
}

// List returns entries matching the filter, headers only.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]JournalEntry, error) {
	return s.repo.List(ctx, filter)
}

// Detail returns one entry with its lines.
func (s *Service) Detail(ctx context.Context, id int64) (JournalEntry, error) {
	return s.repo.GetWithLines(ctx, id)
}

// Create opens a new draft. Lines must reference postable accounts in the
// entry's period window; balance is not yet required.
func (s *Service) Create(ctx context.Context, in CreateInput) (JournalEntry, error) {
	if err := in.Validate(); err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if in.IdempotencyKey != nil {
			existing, found, err := tx.FindByIdempotencyKey(ctx, *in.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				entry = existing
				return nil
			}
		}
		period, err := tx.GetPeriodForUpdate(ctx, in.PeriodID)
		if err != nil {
			return err
		}
		if !period.Contains(in.EntryDate) {
			return ErrDateOutOfRange
		}
		if err := tx.EnsureAccountsPostable(ctx, accountIDs(in.Lines)); err != nil {
			return err
		}
		inserted, err := tx.InsertEntry(ctx, in, EntryStatusDraft)
		if err != nil {
			return err
		}
		lines, err := tx.InsertLines(ctx, inserted.ID, in.Lines)
		if err != nil {
			return err
		}
		inserted.Lines = lines
		entry = inserted
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

func accountIDs(lines []LineInput) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.AccountID)
	}
	return ids
}

// editDraft runs fn against an entry after verifying it is still a draft.
func (s *Service) editDraft(ctx context.Context, entryID int64, fn func(context.Context, TxRepository) error) (JournalEntry, error) {
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if current.Status != EntryStatusDraft {
			return ErrEntryNotEditable
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		lines, err := tx.GetLines(ctx, entryID)
		if err != nil {
			return err
		}
		current.Lines = lines
		entry = current
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

// AddLine appends a line to a draft.
func (s *Service) AddLine(ctx context.Context, entryID int64, line LineInput) (JournalEntry, error) {
	if err := line.Validate(); err != nil {
		return JournalEntry{}, err
	}
	return s.editDraft(ctx, entryID, func(ctx context.Context, tx TxRepository) error {
		if err := tx.EnsureAccountsPostable(ctx, []int64{line.AccountID}); err != nil {
			return err
		}
		_, err := tx.AddLine(ctx, entryID, line)
		return err
	})
}

// UpdateLine edits a line of a draft.
func (s *Service) UpdateLine(ctx context.Context, entryID, lineID int64, line LineInput) (JournalEntry, error) {
	if err := line.Validate(); err != nil {
		return JournalEntry{}, err
	}
	return s.editDraft(ctx, entryID, func(ctx context.Context, tx TxRepository) error {
		if err := tx.EnsureAccountsPostable(ctx, []int64{line.AccountID}); err != nil {
			return err
		}
		return tx.UpdateLine(ctx, entryID, lineID, line)
	})
}

// DeleteLine removes a line from a draft. The two-line minimum is enforced
// again at submit, so a draft may pass through a single-line state.
func (s *Service) DeleteLine(ctx context.Context, entryID, lineID int64) (JournalEntry, error) {
	return s.editDraft(ctx, entryID, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteLine(ctx, entryID, lineID)
	})
}

// ReplaceLines swaps the full line set of a draft.
func (s *Service) ReplaceLines(ctx context.Context, entryID int64, lines []LineInput) (JournalEntry, error) {
	for idx, line := range lines {
		if err := line.Validate(); err != nil {
			return JournalEntry{}, fmt.Errorf("line %d: %w", idx, err)
		}
	}
	return s.editDraft(ctx, entryID, func(ctx context.Context, tx TxRepository) error {
		if err := tx.EnsureAccountsPostable(ctx, accountIDs(lines)); err != nil {
			return err
		}
		_, err := tx.ReplaceLines(ctx, entryID, lines)
		return err
	})
}

// Submit recomputes the balance and freezes the lines.
func (s *Service) Submit(ctx context.Context, id int64) (JournalEntry, error) {
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetEntryForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != EntryStatusDraft {
			return ErrInvalidStatus
		}
		lines, err := tx.GetLines(ctx, id)
		if err != nil {
			return err
		}
		if len(lines) < 2 {
			return ErrTooFewLines
		}
		if !Balanced(lines) {
			return ErrUnbalanced
		}
		if err := tx.UpdateStatus(ctx, id, EntryStatusDraft, EntryStatusSubmitted, "", s.now()); err != nil {
			return err
		}
		current.Status = EntryStatusSubmitted
		current.Lines = lines
		entry = current
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

// Approve moves a submitted entry to approved.
func (s *Service) Approve(ctx context.Context, id int64) (JournalEntry, error) {
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetEntryForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != EntryStatusSubmitted {
			return ErrInvalidStatus
		}
		if err := tx.UpdateStatus(ctx, id, EntryStatusSubmitted, EntryStatusApproved, "", s.now()); err != nil {
			return err
		}
		current.Status = EntryStatusApproved
		entry = current
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

// RejectResult pairs the rejected record with the fresh draft cloned from it.
type RejectResult struct {
	Rejected JournalEntry
	NewDraft JournalEntry
}

// Reject marks a submitted entry rejected and clones its lines into a new
// draft. The rejected record stays immutable so the audit trail keeps the
// rejected attempt.
func (s *Service) Reject(ctx context.Context, id int64, reason string) (RejectResult, error) {
	if reason == "" {
		return RejectResult{}, ErrRejectReason
	}
	var result RejectResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetEntryForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != EntryStatusSubmitted {
			return ErrInvalidStatus
		}
		lines, err := tx.GetLines(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, id, EntryStatusSubmitted, EntryStatusRejected, reason, s.now()); err != nil {
			return err
		}
		draft, err := tx.InsertEntry(ctx, CreateInput{
			PeriodID:      current.PeriodID,
			EntryDate:     current.EntryDate,
			TypeCode:      current.TypeCode,
			Memo:          current.Memo,
			SourceEntryID: &current.ID,
		}, EntryStatusDraft)
		if err != nil {
			return err
		}
		draftLines, err := tx.InsertLines(ctx, draft.ID, lineInputs(lines))
		if err != nil {
			return err
		}
		draft.Lines = draftLines
		current.Status = EntryStatusRejected
		current.Reason = reason
		current.Lines = lines
		result = RejectResult{Rejected: current, NewDraft: draft}
		return nil
	})
	if err != nil {
		return RejectResult{}, err
	}
	return result, nil
}

func lineInputs(lines []JournalLine) []LineInput {
	out := make([]LineInput, 0, len(lines))
	for _, line := range lines {
		out = append(out, LineInput{
			AccountID:   line.AccountID,
			Description: line.Description,
			Debit:       line.Debit,
			Credit:      line.Credit,
		})
	}
	return out
}

// Post appends an approved entry's lines to the ledger. The period check,
// balance re-check, line append and status flip commit as one transaction;
// either all lines are recorded or none are.
func (s *Service) Post(ctx context.Context, id int64) (JournalEntry, error) {
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetEntryForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Status == EntryStatusPosted {
			// Retried post; the first one won.
			lines, err := tx.GetLines(ctx, id)
			if err != nil {
				return err
			}
			current.Lines = lines
			entry = current
			return nil
		}
		if current.Status != EntryStatusApproved {
			return ErrInvalidStatus
		}
		posted, err := s.postLocked(ctx, tx, current)
		if err != nil {
			return err
		}
		entry = posted
		return nil
	})
	if err != nil {
		s.observe("failed")
		return JournalEntry{}, err
	}
	s.observe("posted")
	return entry, nil
}

// postLocked finishes a post for an entry already locked in tx.
func (s *Service) postLocked(ctx context.Context, tx TxRepository, current JournalEntry) (JournalEntry, error) {
	period, err := tx.GetPeriodForUpdate(ctx, current.PeriodID)
	if err != nil {
		return JournalEntry{}, err
	}
	if period.Status != periods.PeriodStatusOpen {
		return JournalEntry{}, ErrPeriodNotOpen
	}
	lines, err := tx.GetLines(ctx, current.ID)
	if err != nil {
		return JournalEntry{}, err
	}
	if len(lines) < 2 {
		return JournalEntry{}, ErrTooFewLines
	}
	if !Balanced(lines) {
		// Defence against drift between approval and posting.
		return JournalEntry{}, ErrUnbalanced
	}
	if err := tx.EnsureAccountsPostable(ctx, lineAccountIDs(lines)); err != nil {
		return JournalEntry{}, err
	}
	now := s.now()
	if err := tx.AppendPostedLines(ctx, current, lines, now); err != nil {
		return JournalEntry{}, err
	}
	if err := tx.UpdateStatus(ctx, current.ID, current.Status, EntryStatusPosted, "", now); err != nil {
		return JournalEntry{}, err
	}
	current.Status = EntryStatusPosted
	current.PostedAt = &now
	current.Lines = lines
	return current, nil
}

func lineAccountIDs(lines []JournalLine) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.AccountID)
	}
	return ids
}

// BatchPost posts each approved entry independently. One failure never rolls
// back or blocks the others; cancelling the context skips entries not yet
// started but never interrupts an in-flight post.
func (s *Service) BatchPost(ctx context.Context, ids []int64) []BatchResult {
	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			results = append(results, BatchResult{EntryID: id, Err: "cancelled before start"})
			continue
		}
		if _, err := s.Post(ctx, id); err != nil {
			results = append(results, BatchResult{EntryID: id, Err: err.Error()})
			continue
		}
		results = append(results, BatchResult{EntryID: id, Posted: true})
	}
	return results
}

// Void reverses a posted entry. A mirror entry is created and posted in the
// same transaction, then the original is marked voided. The original's lines
// are never touched; history is append-only.
func (s *Service) Void(ctx context.Context, id int64, reason string) (VoidResult, error) {
	if reason == "" {
		return VoidResult{}, ErrVoidReason
	}
	var result VoidResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetEntryForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != EntryStatusPosted {
			return ErrInvalidStatus
		}
		period, err := tx.GetPeriodForUpdate(ctx, current.PeriodID)
		if err != nil {
			return err
		}
		if period.Status != periods.PeriodStatusOpen {
			return ErrPeriodNotOpen
		}
		lines, err := tx.GetLines(ctx, id)
		if err != nil {
			return err
		}
		reversal, err := tx.InsertEntry(ctx, CreateInput{
			PeriodID:  current.PeriodID,
			EntryDate: current.EntryDate,
			TypeCode:  EntryTypeAdjustment,
			Memo:      fmt.Sprintf("Reversal of JE %d: %s", current.ID, reason),
		}, EntryStatusApproved)
		if err != nil {
			return err
		}
		reversalLines, err := tx.InsertLines(ctx, reversal.ID, reverseLines(lines))
		if err != nil {
			return err
		}
		reversal.Lines = reversalLines
		posted, err := s.postLocked(ctx, tx, reversal)
		if err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, id, EntryStatusPosted, EntryStatusVoided, reason, s.now()); err != nil {
			return err
		}
		current.Status = EntryStatusVoided
		current.Reason = reason
		current.Lines = lines
		result = VoidResult{Voided: current, Reversal: posted}
		return nil
	})
	if err != nil {
		return VoidResult{}, err
	}
	return result, nil
}

// VoidResult pairs the voided original with its posted reversal.
type VoidResult struct {
	Voided   JournalEntry
	Reversal JournalEntry
}

func reverseLines(lines []JournalLine) []LineInput {
	out := make([]LineInput, 0, len(lines))
	for _, line := range lines {
		out = append(out, LineInput{
			AccountID:   line.AccountID,
			Description: line.Description,
			Debit:       line.Credit,
			Credit:      line.Debit,
		})
	}
	return out
}

// PostSystemEntry creates and immediately posts a system-generated entry in
// one transaction. Only bounded internal paths use it: period roll-forward
// and reconciliation auto-correct.
func (s *Service) PostSystemEntry(ctx context.Context, periodID int64, entryDate time.Time, typeCode EntryType, memo string, lines []LineInput, key *uuid.UUID) (JournalEntry, error) {
	in := CreateInput{
		PeriodID:       periodID,
		EntryDate:      entryDate,
		TypeCode:       typeCode,
		Memo:           memo,
		Lines:          lines,
		IdempotencyKey: key,
	}
	if err := in.Validate(); err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if key != nil {
			existing, found, err := tx.FindByIdempotencyKey(ctx, *key)
			if err != nil {
				return err
			}
			if found {
				entry = existing
				return nil
			}
		}
		inserted, err := tx.InsertEntry(ctx, in, EntryStatusApproved)
		if err != nil {
			return err
		}
		insertedLines, err := tx.InsertLines(ctx, inserted.ID, in.Lines)
		if err != nil {
			return err
		}
		inserted.Lines = insertedLines
		posted, err := s.postLocked(ctx, tx, inserted)
		if err != nil {
			return err
		}
		entry = posted
		return nil
	})
	if err != nil {
		s.observe("failed")
		return JournalEntry{}, err
	}
	s.observe("posted")
	return entry, nil
}

func (s *Service) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.ObservePosting(outcome)
	}
}
