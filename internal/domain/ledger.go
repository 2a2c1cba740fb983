package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind is the backend's transaction type.
type TransactionKind string

const (
	TransactionExpense TransactionKind = "despesa"
	TransactionIncome  TransactionKind = "receita"
)

type Transaction struct {
	Kind        TransactionKind
	Amount      decimal.Decimal
	Category    string
	Description string
	Date        time.Time
}

// Summary is the backend's aggregate over all of a user's transactions.
type Summary struct {
	Income  decimal.Decimal `json:"receitas"`
	Expense decimal.Decimal `json:"despesas"`
}

// Balance is computed locally as income minus expense.
func (s Summary) Balance() decimal.Decimal {
	return s.Income.Sub(s.Expense)
}

// Ledger is the backend ledger API as seen by the dispatcher.
type Ledger interface {
	CreateTransaction(ctx context.Context, token string, tx Transaction) error
	Summary(ctx context.Context, token string) (*Summary, error)
}

// Authenticator exchanges credentials for a backend access token.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (string, error)
	LoginByPhone(ctx context.Context, phone string) (string, error)
}
