// Package ledger owns account balances and the job cost formula.
//
// The ledger never holds state of its own. Every call runs inside the
// caller's store transaction so a debit commits together with the job
// record it pays for.
package ledger

import (
	"errors"
	"time"

	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/store"
)

// Cost formula constants, in minor units (cents).
const (
	BaseCost    model.Amount = 100 // 1.00 per job
	PerCoreCost model.Amount = 10  // 0.10 per required core
	PerGiBCost  model.Amount = 5   // 0.05 per 1024 MB of required RAM
)

// Cost returns 1.00 + 0.10*cores + 0.05*(ramMB/1024), rounded half away from
// zero to cents.
//
// This is the only place the formula is evaluated for settlement. Clients
// that display a cost should fetch it from the quote endpoint.
func Cost(cores, ramMB int) model.Amount {
	return BaseCost + PerCoreCost*model.Amount(cores) + ramCost(ramMB)
}

// Breakdown is a cost split into its formula terms.
type Breakdown struct {
	Base  model.Amount `json:"base"`
	Cores model.Amount `json:"cores"`
	RAM   model.Amount `json:"ram"`
	Total model.Amount `json:"cost"`
}

// Quote returns the cost with each term shown separately.
func Quote(cores, ramMB int) Breakdown {
	b := Breakdown{
		Base:  BaseCost,
		Cores: PerCoreCost * model.Amount(cores),
		RAM:   ramCost(ramMB),
	}
	b.Total = b.Base + b.Cores + b.RAM
	return b
}

// ramCost computes round(5 * ramMB / 1024) in integer arithmetic.
func ramCost(ramMB int) model.Amount {
	num := int64(PerGiBCost) * int64(ramMB)
	if num >= 0 {
		return model.Amount((num + 512) / 1024)
	}
	return model.Amount(-((-num + 512) / 1024))
}

// Ledger applies balance changes inside store transactions.
type Ledger struct {
	now func() time.Time
}

// New returns a ledger stamping updates with now. A nil now uses time.Now.
func New(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{now: now}
}

// Balance returns the account's credits, or 0 when the account has never
// been referenced.
func (l *Ledger) Balance(tx store.Tx, accountID string) (model.Amount, error) {
	a, err := tx.Account(accountID)
	if err != nil {
		if model.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return a.Credits, nil
}

// Reserve debits amount from the buyer up front. The debit is not refunded
// if the job later fails.
func (l *Ledger) Reserve(tx store.Tx, buyerID string, amount model.Amount) error {
	if buyerID == "" {
		return model.Invalid("reserve", "buyer_id is required")
	}
	if amount < 0 {
		return model.Invalid("reserve", "amount must not be negative")
	}
	a, err := l.account(tx, buyerID)
	if err != nil {
		return err
	}
	if a.Credits < amount {
		return model.Errorf(model.ErrInsufficientCredits, "reserve", "account", buyerID,
			"balance %s is below cost %s", a.Credits, amount)
	}
	a.Credits -= amount
	a.UpdatedAt = l.now().UTC()
	return tx.PutAccount(a)
}

// Payout credits a worker's account on job completion.
func (l *Ledger) Payout(tx store.Tx, workerID string, amount model.Amount) error {
	if workerID == "" {
		return model.Invalid("payout", "worker_id is required")
	}
	return l.credit(tx, workerID, amount)
}

// Grant deposits credits into any account. Used by operators to fund buyers.
func (l *Ledger) Grant(tx store.Tx, accountID string, amount model.Amount) (model.Amount, error) {
	if accountID == "" {
		return 0, model.Invalid("grant", "account_id is required")
	}
	if amount <= 0 {
		return 0, model.Invalid("grant", "amount must be positive")
	}
	if err := l.credit(tx, accountID, amount); err != nil {
		return 0, err
	}
	return l.Balance(tx, accountID)
}

func (l *Ledger) credit(tx store.Tx, accountID string, amount model.Amount) error {
	a, err := l.account(tx, accountID)
	if err != nil {
		return err
	}
	credits, ok := a.Credits.Add(amount)
	if !ok {
		return model.Errorf(model.ErrValidation, "credit", "account", accountID,
			"balance %s cannot absorb %s", a.Credits, amount)
	}
	a.Credits = credits
	a.UpdatedAt = l.now().UTC()
	return tx.PutAccount(a)
}

// account loads an account, creating it lazily with a zero balance.
func (l *Ledger) account(tx store.Tx, accountID string) (model.Account, error) {
	a, err := tx.Account(accountID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.Account{}, err
	}
	return model.Account{AccountID: accountID}, nil
}
