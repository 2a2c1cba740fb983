package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerbot/internal/domain"
	"ledgerbot/internal/ledger"
)

type fakeLedger struct {
	created    []domain.Transaction
	tokens     []string
	createErr  error
	summary    *domain.Summary
	summaryErr error
	calls      int
}

func (f *fakeLedger) CreateTransaction(_ context.Context, token string, tx domain.Transaction) error {
	f.calls++
	f.tokens = append(f.tokens, token)
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, tx)
	return nil
}

func (f *fakeLedger) Summary(_ context.Context, token string) (*domain.Summary, error) {
	f.calls++
	f.tokens = append(f.tokens, token)
	return f.summary, f.summaryErr
}

func newTestDispatcher(l domain.Ledger) *Dispatcher {
	return New(Config{
		Ledger:           l,
		BalanceThreshold: DefaultBalanceThreshold,
		Logger:           slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
}

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

var sess = domain.Session{Address: "5511999990000", Token: "jwt"}

func TestDispatch_Expense(t *testing.T) {
	l := &fakeLedger{}
	res := newTestDispatcher(l).Dispatch(context.Background(), sess, domain.IntentRecord{
		Kind: domain.IntentExpense, Amount: amount("30"), Category: "Alimentação", Description: "almoço",
	})

	assert.True(t, res.OK)
	assert.Equal(t, ActionCreateTransaction, res.Action)
	assert.Contains(t, res.Reply, "30")
	assert.Contains(t, res.Reply, "Alimentação")
	assert.Equal(t, "✅ Despesa registrada!\n\n💸 R$ 30.00\n📁 Alimentação\n📝 almoço", res.Reply)

	require.Len(t, l.created, 1)
	tx := l.created[0]
	assert.Equal(t, domain.TransactionExpense, tx.Kind)
	assert.True(t, tx.Amount.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, []string{"jwt"}, l.tokens)
}

func TestDispatch_IncomeAndRecurringBill(t *testing.T) {
	l := &fakeLedger{}
	d := newTestDispatcher(l)

	res := d.Dispatch(context.Background(), sess, domain.IntentRecord{
		Kind: domain.IntentIncome, Amount: amount("5000"), Category: "Salário", Description: "salário",
	})
	assert.Equal(t, "✅ Receita registrada!\n\n💰 R$ 5000.00\n📁 Salário\n📝 salário", res.Reply)

	res = d.Dispatch(context.Background(), sess, domain.IntentRecord{
		Kind: domain.IntentRecurringBill, Amount: amount("150"), Category: "Moradia", Description: "conta de luz",
	})
	assert.True(t, res.OK)
	assert.Contains(t, res.Reply, "Conta fixa registrada")

	require.Len(t, l.created, 2)
	assert.Equal(t, domain.TransactionIncome, l.created[0].Kind)
	assert.Equal(t, domain.TransactionExpense, l.created[1].Kind, "bills are recorded as expenses")
}

func TestDispatch_ClassifierReplyUsedOnSuccess(t *testing.T) {
	l := &fakeLedger{}
	res := newTestDispatcher(l).Dispatch(context.Background(), sess, domain.IntentRecord{
		Kind: domain.IntentExpense, Amount: amount("12.5"), Category: "Lazer", Reply: "Anotei o cinema 🎬",
	})
	assert.Equal(t, "Anotei o cinema 🎬", res.Reply)

	l.createErr = errors.New("boom")
	res = newTestDispatcher(l).Dispatch(context.Background(), sess, domain.IntentRecord{
		Kind: domain.IntentExpense, Amount: amount("12.5"), Category: "Lazer", Reply: "Anotei o cinema 🎬",
	})
	assert.Equal(t, "❌ Erro ao registrar despesa. Tente novamente.", res.Reply)
}

func TestDispatch_MissingAmountMakesNoCall(t *testing.T) {
	for _, a := range []*decimal.Decimal{nil, amount("0"), amount("-5")} {
		l := &fakeLedger{}
		res := newTestDispatcher(l).Dispatch(context.Background(), sess, domain.IntentRecord{
			Kind: domain.IntentExpense, Amount: a, Category: "Geral",
		})
		assert.Equal(t, ReplyMissingAmount, res.Reply)
		assert.Equal(t, ActionNone, res.Action)
		assert.Zero(t, l.calls)
	}
}

func TestDispatch_DefaultCategory(t *testing.T) {
	l := &fakeLedger{}
	newTestDispatcher(l).Dispatch(context.Background(), sess, domain.IntentRecord{
		Kind: domain.IntentIncome, Amount: amount("10"),
	})
	require.Len(t, l.created, 1)
	assert.Equal(t, domain.DefaultIncomeCategory, l.created[0].Category)
}

func TestDispatch_Summary(t *testing.T) {
	l := &fakeLedger{summary: &domain.Summary{Income: decimal.NewFromInt(1000), Expense: decimal.NewFromInt(400)}}
	res := newTestDispatcher(l).Dispatch(context.Background(), sess, domain.IntentRecord{Kind: domain.IntentBalanceQuery, Reply: "ignored"})

	assert.True(t, res.OK)
	assert.Equal(t, ActionSummary, res.Action)
	assert.Contains(t, res.Reply, "600")
	assert.Equal(t, "📊 *Resumo Financeiro*\n\n💰 Receitas: R$ 1000.00\n💸 Despesas: R$ 400.00\n\n🎉 *Saldo: R$ 600.00*", res.Reply)
}

func TestDispatch_SummaryQueryUsesSameTemplate(t *testing.T) {
	l := &fakeLedger{summary: &domain.Summary{Income: decimal.NewFromInt(100), Expense: decimal.NewFromInt(250)}}
	res := newTestDispatcher(l).Dispatch(context.Background(), sess, domain.IntentRecord{Kind: domain.IntentSummaryQuery})
	assert.Contains(t, res.Reply, "⚠️ *Saldo: R$ -150.00*")
}

func TestNew_DefaultsBalanceThreshold(t *testing.T) {
	l := &fakeLedger{summary: &domain.Summary{Income: decimal.NewFromInt(300), Expense: decimal.NewFromInt(100)}}
	res := New(Config{Ledger: l}).Dispatch(context.Background(), sess, domain.IntentRecord{Kind: domain.IntentBalanceQuery})

	assert.True(t, res.OK)
	assert.Contains(t, res.Reply, "✅ *Saldo: R$ 200.00*")
}

func TestDispatch_SummaryFailure(t *testing.T) {
	l := &fakeLedger{summaryErr: &ledger.StatusError{Code: 500, Body: "db down"}}
	res := newTestDispatcher(l).Dispatch(context.Background(), sess, domain.IntentRecord{Kind: domain.IntentSummaryQuery})
	assert.False(t, res.OK)
	assert.False(t, res.Unauthorized)
	assert.Equal(t, ReplySummaryFailed, res.Reply)
	assert.Equal(t, 1, l.calls, "no retry")
}

func TestDispatch_Unauthorized(t *testing.T) {
	l := &fakeLedger{createErr: fmt.Errorf("create: %w", ledger.ErrUnauthorized)}
	res := newTestDispatcher(l).Dispatch(context.Background(), sess, domain.IntentRecord{
		Kind: domain.IntentExpense, Amount: amount("30"), Category: "Alimentação",
	})
	assert.False(t, res.OK)
	assert.True(t, res.Unauthorized)
	assert.Equal(t, ReplySessionExpired, res.Reply)
	assert.ErrorIs(t, res.Err, ledger.ErrUnauthorized)
}

func TestDispatch_NoCallIntents(t *testing.T) {
	l := &fakeLedger{}
	d := newTestDispatcher(l)

	res := d.Dispatch(context.Background(), sess, domain.IntentRecord{Kind: domain.IntentChitChat, Reply: "Bom dia!"})
	assert.Equal(t, "Bom dia!", res.Reply)
	assert.True(t, res.OK)

	res = d.Dispatch(context.Background(), sess, domain.Unrecognized(""))
	assert.Equal(t, ReplyHelp, res.Reply)
	assert.Zero(t, l.calls)
}

func TestBalanceMarker(t *testing.T) {
	th := DefaultBalanceThreshold
	assert.Equal(t, "🎉", BalanceMarker(decimal.NewFromInt(501), th))
	assert.Equal(t, "✅", BalanceMarker(decimal.NewFromInt(500), th))
	assert.Equal(t, "✅", BalanceMarker(decimal.Zero, th))
	assert.Equal(t, "⚠️", BalanceMarker(decimal.NewFromFloat(-0.01), th))
}

func TestMoney(t *testing.T) {
	assert.Equal(t, "R$ 30.00", Money(decimal.NewFromInt(30)))
	assert.Equal(t, "R$ 0.10", Money(decimal.RequireFromString("0.1")))
}
