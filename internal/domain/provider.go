package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// LanguageModel is the hosted language-understanding service.
// It is stateless per call; no conversation memory is carried across turns.
type LanguageModel interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

type GenerateRequest struct {
	System string
	Prompt string
	Media  *MediaPayload // optional; staged as a temporary upload
	JSON   bool          // ask the model for application/json output
}

// MediaPayload is raw media bytes fetched from the channel provider.
type MediaPayload struct {
	Data     []byte
	MIMEType string
}

// ReceiptExtraction is the vision adapter's reading of one receipt image.
type ReceiptExtraction struct {
	Success     bool
	Kind        IntentKind // IntentExpense or IntentIncome
	Amount      *decimal.Decimal
	Category    string
	Description string
	Merchant    string
	Message     string // user-facing explanation when Success is false
}

// Intent converts a successful extraction into a dispatchable record.
func (r ReceiptExtraction) Intent() IntentRecord {
	if !r.Success {
		return Unrecognized(r.Message)
	}
	desc := r.Description
	if r.Merchant != "" && desc == "" {
		desc = r.Merchant
	}
	return IntentRecord{
		Kind:        r.Kind,
		Amount:      r.Amount,
		Category:    r.Category,
		Description: desc,
	}
}
