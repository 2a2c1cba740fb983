package domain

import (
	"slices"

	"github.com/shopspring/decimal"
)

// IntentKind is the tag of a classified utterance.
type IntentKind string

const (
	IntentExpense       IntentKind = "expense"
	IntentIncome        IntentKind = "income"
	IntentRecurringBill IntentKind = "recurring_bill"
	IntentBalanceQuery  IntentKind = "balance_query"
	IntentSummaryQuery  IntentKind = "summary_query"
	IntentChitChat      IntentKind = "chit_chat"
	IntentUnrecognized  IntentKind = "unrecognized"
)

// Wire tags emitted by the language model.
const (
	TagExpense       = "despesa"
	TagIncome        = "receita"
	TagRecurringBill = "conta_fixa"
	TagBalance       = "saldo"
	TagSummary       = "consulta"
	TagChitChat      = "conversa"
	TagUnrecognized  = "nao_entendi"
)

var tagToKind = map[string]IntentKind{
	TagExpense:       IntentExpense,
	TagIncome:        IntentIncome,
	TagRecurringBill: IntentRecurringBill,
	TagBalance:       IntentBalanceQuery,
	TagSummary:       IntentSummaryQuery,
	TagChitChat:      IntentChitChat,
	TagUnrecognized:  IntentUnrecognized,
}

// IntentTags returns every wire tag the classifier may emit.
func IntentTags() []string {
	return []string{TagExpense, TagIncome, TagRecurringBill, TagSummary, TagBalance, TagChitChat, TagUnrecognized}
}

// KindFromTag maps a wire tag to its intent kind.
func KindFromTag(tag string) (IntentKind, bool) {
	k, ok := tagToKind[tag]
	return k, ok
}

// Closed category vocabularies. Expense and income sets are disjoint.
var (
	ExpenseCategories = []string{"Alimentação", "Transporte", "Moradia", "Lazer", "Saúde", "Educação", "Geral"}
	IncomeCategories  = []string{"Salário", "Freelance", "Investimentos", "Outros"}
)

const (
	DefaultExpenseCategory = "Geral"
	DefaultIncomeCategory  = "Outros"
)

// AllCategories returns the union of the expense and income vocabularies.
func AllCategories() []string {
	out := make([]string, 0, len(ExpenseCategories)+len(IncomeCategories))
	out = append(out, ExpenseCategories...)
	return append(out, IncomeCategories...)
}

// IntentRecord is the structured result of classifying one utterance.
type IntentRecord struct {
	Kind        IntentKind
	Amount      *decimal.Decimal
	Category    string
	Description string
	Reply       string
}

// Unrecognized builds the fallback record carrying reply.
func Unrecognized(reply string) IntentRecord {
	return IntentRecord{Kind: IntentUnrecognized, Reply: reply}
}

// Creates reports whether the intent results in a ledger mutation.
func (k IntentKind) Creates() bool {
	return k == IntentExpense || k == IntentIncome || k == IntentRecurringBill
}

// Queries reports whether the intent reads the ledger summary.
func (k IntentKind) Queries() bool {
	return k == IntentBalanceQuery || k == IntentSummaryQuery
}

// TransactionKind returns the ledger kind written for a create intent.
// Recurring bills are recorded as expenses.
func (k IntentKind) TransactionKind() TransactionKind {
	if k == IntentIncome {
		return TransactionIncome
	}
	return TransactionExpense
}

// Categories returns the closed category set for a create intent, or nil.
func (k IntentKind) Categories() []string {
	switch k {
	case IntentExpense, IntentRecurringBill:
		return ExpenseCategories
	case IntentIncome:
		return IncomeCategories
	}
	return nil
}

// DefaultCategory returns the fallback category for a create intent.
func (k IntentKind) DefaultCategory() string {
	if k == IntentIncome {
		return DefaultIncomeCategory
	}
	return DefaultExpenseCategory
}

// AllowsCategory reports whether c belongs to the kind's closed set.
func (k IntentKind) AllowsCategory(c string) bool {
	return slices.Contains(k.Categories(), c)
}

// HasAmount reports whether a strictly positive amount was extracted.
func (r IntentRecord) HasAmount() bool {
	return r.Amount != nil && r.Amount.IsPositive()
}
