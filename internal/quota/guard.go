// Package quota gates dialing on tenant balance. Denial is terminal: an
// account that cannot pay must surface as a failed job immediately instead
// of burning retry budget in a silent loop.
package quota

import (
	"context"
	"fmt"

	"github.com/callhive/dialer/internal/domain"
)

// DenialReason is recorded on jobs failed by the guard.
const DenialReason = domain.ReasonQuotaDenied

// BalanceReader is the billing collaborator. The balance it reports is
// eventually consistent; the guard only performs a pre-dial check.
type BalanceReader interface {
	GetBalance(ctx context.Context, accountID string) (domain.Account, error)
}

type Guard struct {
	balances BalanceReader
	// minUnit is the smallest billing increment a call can consume; metered
	// accounts must cover at least this much before a dial is admitted.
	minUnit float64
}

func NewGuard(balances BalanceReader, minUnit float64) *Guard {
	if minUnit <= 0 {
		minUnit = 1
	}
	return &Guard{balances: balances, minUnit: minUnit}
}

// Admit reports whether the account may place a call right now. The error
// return covers collaborator unavailability only, which callers treat as a
// deferral, not a denial.
func (g *Guard) Admit(ctx context.Context, accountID string) (bool, string, error) {
	account, err := g.balances.GetBalance(ctx, accountID)
	if err != nil {
		return false, "", fmt.Errorf("get balance for account %s: %w", accountID, err)
	}
	admitted, reason := Decide(account, g.minUnit)
	return admitted, reason, nil
}

// Decide is the pure admission rule.
func Decide(account domain.Account, minUnit float64) (bool, string) {
	switch account.Mode {
	case domain.BillingModeUnlimited, "":
		return true, ""
	case domain.BillingModeMinutes, domain.BillingModeCredits:
		if account.Remaining >= minUnit {
			return true, ""
		}
		return false, fmt.Sprintf("%s: %s balance %.2f below minimum unit %.2f",
			DenialReason, account.Mode, account.Remaining, minUnit)
	default:
		// Unknown billing mode denies: admitting would mean placing calls
		// nobody is accountable for.
		return false, fmt.Sprintf("%s: unknown billing mode %q", DenialReason, account.Mode)
	}
}
