package recon

import (
	"github.com/atlas-ledger/atlas-ledger/internal/accounts"
	"github.com/atlas-ledger/atlas-ledger/internal/ledger"
)

// BalanceSnapshot pairs the balances recomputed from posted lines with the
// cached GL balances, both read at the same instant.
type BalanceSnapshot struct {
	Nets   []ledger.AccountNet
	Cached map[int64]int64
}

// Diff compares one account's cached GL balance against the balance
// recomputed from posted lines. Ephemeral: regenerated per request, never
// persisted. Amounts are minor units with the sign convention of the
// account's normal side.
type Diff struct {
	AccountID   int64
	AccountCode string
	AccountName string
	AccountType accounts.AccountType
	GLBalance   int64
	Recomputed  int64
	Difference  int64
	IsMatch     bool
}

// Correction describes one auto-correct action, applied or planned.
type Correction struct {
	AccountID  int64
	Difference int64
	EntryID    int64
	Applied    bool
}

// AutoCorrectResult summarizes an auto-correct invocation.
type AutoCorrectResult struct {
	PeriodID    int64
	DryRun      bool
	Corrections []Correction
	Skipped     []Diff
}
