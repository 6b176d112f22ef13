package accounts

import "github.com/atlas-ledger/atlas-ledger/internal/platform/httpx"

var (
	// ErrNotFound indicates a missing account.
	ErrNotFound = httpx.NotFoundError("accounts: account not found")
	// ErrCodeTaken indicates a duplicate account code.
	ErrCodeTaken = httpx.ConflictError("accounts: code already in use")
	// ErrNotPostable indicates a non-leaf or inactive account referenced by a journal line.
	ErrNotPostable = httpx.IntegrityError("accounts: account not postable")
	// ErrArchived indicates a posting attempt against an archived account.
	ErrArchived = httpx.IntegrityError("accounts: account archived")
	// ErrParentCycle indicates a reparent that would loop the hierarchy.
	ErrParentCycle = httpx.ValidationError("accounts: parent chain would form a cycle")
	// ErrInvalidType indicates an unknown account type.
	ErrInvalidType = httpx.ValidationError("accounts: unknown account type")
	// ErrImmutableCode indicates an attempt to change an account code.
	ErrImmutableCode = httpx.ValidationError("accounts: code is immutable")
)
