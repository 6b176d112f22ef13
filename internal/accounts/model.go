package accounts

import "time"

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
		return true
	}
	return false
}

// NormalSide returns +1 for debit-normal types and -1 for credit-normal
// types. Reconciliation uses it as the sign convention when collapsing
// debit/credit activity into a single balance figure.
func (t AccountType) NormalSide() int64 {
	switch t {
	case AccountTypeAsset, AccountTypeExpense:
		return 1
	default:
		return -1
	}
}

// AccountStatus enumerates lifecycle states.
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "ACTIVE"
	AccountStatusInactive AccountStatus = "INACTIVE"
	AccountStatusArchived AccountStatus = "ARCHIVED"
)

// Account models a chart of accounts node.
type Account struct {
	ID         int64
	Code       string
	Name       string
	Type       AccountType
	ParentID   *int64
	IsPostable bool
	Status     AccountStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Postable reports whether the account may receive journal lines.
func (a Account) Postable() bool {
	return a.IsPostable && a.Status == AccountStatusActive
}
