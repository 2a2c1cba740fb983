// Package dispatch turns a classified intent into at most one ledger call
// and the reply that goes back to the user.
package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"ledgerbot/internal/domain"
	"ledgerbot/internal/ledger"
)

// Actions recorded in Result.Action.
const (
	ActionNone              = ""
	ActionCreateTransaction = "create_transaction"
	ActionSummary           = "get_summary"
)

// DefaultBalanceThreshold separates the enthusiastic and neutral balance tones.
var DefaultBalanceThreshold = decimal.NewFromInt(500)

// Result is the outcome of one dispatch.
type Result struct {
	Reply        string
	Action       string // backend call attempted, ActionNone when none
	OK           bool   // the backend call succeeded, or none was needed
	Unauthorized bool   // backend rejected the token; the session should be revoked
	Err          error
}

type Config struct {
	Ledger           domain.Ledger
	BalanceThreshold decimal.Decimal
	Logger           *slog.Logger
}

type Dispatcher struct {
	ledger    domain.Ledger
	threshold decimal.Decimal
	logger    *slog.Logger
}

func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BalanceThreshold.IsZero() {
		cfg.BalanceThreshold = DefaultBalanceThreshold
	}
	return &Dispatcher{
		ledger:    cfg.Ledger,
		threshold: cfg.BalanceThreshold,
		logger:    cfg.Logger,
	}
}

// Dispatch performs the intent for the session's user. Backend failures are
// soft: they produce a canned reply and are never retried.
func (d *Dispatcher) Dispatch(ctx context.Context, sess domain.Session, rec domain.IntentRecord) Result {
	switch {
	case rec.Kind.Creates():
		return d.create(ctx, sess, rec)
	case rec.Kind.Queries():
		return d.summary(ctx, sess)
	default:
		reply := rec.Reply
		if reply == "" {
			reply = ReplyHelp
		}
		return Result{Reply: reply, Action: ActionNone, OK: true}
	}
}

func (d *Dispatcher) create(ctx context.Context, sess domain.Session, rec domain.IntentRecord) Result {
	if !rec.HasAmount() {
		return Result{Reply: ReplyMissingAmount, Action: ActionNone, OK: true}
	}
	if rec.Category == "" {
		rec.Category = rec.Kind.DefaultCategory()
	}

	err := d.ledger.CreateTransaction(ctx, sess.Token, domain.Transaction{
		Kind:        rec.Kind.TransactionKind(),
		Amount:      *rec.Amount,
		Category:    rec.Category,
		Description: rec.Description,
	})
	if err != nil {
		res := d.failure(ActionCreateTransaction, createFailedReply(rec.Kind), err)
		d.logger.Warn("create transaction failed", "kind", rec.Kind, "error", err)
		return res
	}

	reply := rec.Reply
	if reply == "" {
		reply = createdReply(rec)
	}
	d.logger.Info("transaction created", "kind", rec.Kind, "category", rec.Category)
	return Result{Reply: reply, Action: ActionCreateTransaction, OK: true}
}

func (d *Dispatcher) summary(ctx context.Context, sess domain.Session) Result {
	s, err := d.ledger.Summary(ctx, sess.Token)
	if err != nil {
		d.logger.Warn("summary failed", "error", err)
		return d.failure(ActionSummary, ReplySummaryFailed, err)
	}
	return Result{Reply: summaryReply(*s, d.threshold), Action: ActionSummary, OK: true}
}

func (d *Dispatcher) failure(action, reply string, err error) Result {
	res := Result{Reply: reply, Action: action, Err: err}
	if errors.Is(err, ledger.ErrUnauthorized) {
		res.Unauthorized = true
		res.Reply = ReplySessionExpired
	}
	return res
}
