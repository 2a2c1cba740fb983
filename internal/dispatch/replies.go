package dispatch

import (
	"fmt"

	"github.com/shopspring/decimal"

	"ledgerbot/internal/domain"
)

// Canned replies shared by the dispatcher and the pipeline.
const (
	ReplyNotLoggedIn    = "👋 Olá! Sou o assistente do Nexfy.\n\nPara começar, faça login:\n/login seu@email.com suasenha"
	ReplyLoginOK        = "✅ Login realizado com sucesso! Agora você pode registrar suas transações."
	ReplyLoginFailed    = "❌ Erro no login. Verifique email e senha."
	ReplyLoginUsage     = "Use: /login seu@email.com suasenha"
	ReplyHelp           = "🤔 Não entendi. Tente algo como:\n\n• gastei 30 no almoço\n• recebi 5000 de salário\n• qual meu saldo?"
	ReplyMissingAmount  = "🤔 Não encontrei o valor. Tente algo como:\n\n• gastei 30 no almoço\n• recebi 5000 de salário"
	ReplySummaryFailed  = "❌ Erro ao obter resumo. Tente novamente."
	ReplySessionExpired = "🔒 Sua sessão expirou. Faça login novamente:\n/login seu@email.com suasenha"
	ReplyMediaFailed    = "😕 Não consegui processar sua mídia. Tente enviar sua mensagem por texto."
)

type createLabels struct {
	title  string // "Despesa"
	noun   string // "despesa", used in the failure reply
	marker string
}

var labels = map[domain.IntentKind]createLabels{
	domain.IntentExpense:       {"Despesa", "despesa", "💸"},
	domain.IntentIncome:        {"Receita", "receita", "💰"},
	domain.IntentRecurringBill: {"Conta fixa", "conta fixa", "🧾"},
}

// Money formats an amount the way every reply shows it.
func Money(v decimal.Decimal) string {
	return "R$ " + v.StringFixed(2)
}

func createdReply(rec domain.IntentRecord) string {
	l := labels[rec.Kind]
	return fmt.Sprintf("✅ %s registrada!\n\n%s %s\n📁 %s\n📝 %s",
		l.title, l.marker, Money(*rec.Amount), rec.Category, rec.Description)
}

func createFailedReply(kind domain.IntentKind) string {
	return fmt.Sprintf("❌ Erro ao registrar %s. Tente novamente.", labels[kind].noun)
}

// BalanceMarker picks the tone marker for a balance: above threshold is
// enthusiastic, zero up to threshold is neutral, negative is a warning.
func BalanceMarker(balance, threshold decimal.Decimal) string {
	switch {
	case balance.GreaterThan(threshold):
		return "🎉"
	case balance.IsNegative():
		return "⚠️"
	default:
		return "✅"
	}
}

func summaryReply(s domain.Summary, threshold decimal.Decimal) string {
	balance := s.Balance()
	return fmt.Sprintf("📊 *Resumo Financeiro*\n\n💰 Receitas: %s\n💸 Despesas: %s\n\n%s *Saldo: %s*",
		Money(s.Income), Money(s.Expense), BalanceMarker(balance, threshold), Money(balance))
}
