// Package ledger is the read side of the append-only posted-line store.
// Writes happen only inside the journal engine's posting transaction so a
// posting is all-or-nothing with its status flip and balance update.
package ledger

import "time"

// PostedLine is one immutable ledger line. Amounts are minor currency units.
type PostedLine struct {
	ID        int64
	EntryID   int64
	PeriodID  int64
	AccountID int64
	EntryDate time.Time
	Desc      string
	Debit     int64
	Credit    int64
	PostedAt  time.Time
}

// AccountNet aggregates one account's activity within a period.
type AccountNet struct {
	AccountID int64
	Debit     int64
	Credit    int64
}

// Net returns debit minus credit.
func (n AccountNet) Net() int64 {
	return n.Debit - n.Credit
}

// TrialBalanceRow is one account row with code and name joined in.
type TrialBalanceRow struct {
	AccountID   int64
	AccountCode string
	AccountName string
	AccountType string
	Debit       int64
	Credit      int64
}
