// Package payout hands a computed reward plan to the payment collaborator.
package payout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"live-quiz-service/internal/domain"
)

const maxConcurrent = 8

var ErrNoWallet = errors.New("payout: contestant has no wallet address")

// Payer transfers amount to a wallet and returns a receipt id.
type Payer interface {
	Transfer(ctx context.Context, walletAddress string, amount decimal.Decimal) (string, error)
}

// Receipt is the outcome of one payout line.
type Receipt struct {
	Rank          int             `json:"rank"`
	Nickname      string          `json:"nickname"`
	WalletAddress string          `json:"walletAddress,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	ReceiptID     string          `json:"receiptId,omitempty"`
	Error         string          `json:"error,omitempty"`
}

func (r Receipt) Failed() bool { return r.Error != "" }

// Execute transfers every payout of plan concurrently. A failed line never aborts the others;
// the returned receipts keep the plan's order.
func Execute(ctx context.Context, payer Payer, plan domain.RewardPlan) []Receipt {
	receipts := make([]Receipt, len(plan.Payouts))

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for i, p := range plan.Payouts {
		receipts[i] = Receipt{
			Rank:          p.Rank,
			Nickname:      p.Nickname,
			WalletAddress: p.WalletAddress,
			Amount:        p.Amount,
		}
		eg.Go(func() error {
			if p.WalletAddress == "" {
				receipts[i].Error = ErrNoWallet.Error()
				return nil
			}
			id, err := payer.Transfer(ctx, p.WalletAddress, p.Amount)
			if err != nil {
				slog.ErrorContext(ctx, "payout: transfer failed",
					"lobby", plan.LobbyCode,
					"nickname", p.Nickname,
					"amount", p.Amount.String(),
					"error", err,
				)
				receipts[i].Error = err.Error()
				return nil
			}
			receipts[i].ReceiptID = id
			return nil
		})
	}
	_ = eg.Wait()
	return receipts
}

// LogPayer records transfers in the log instead of moving money. It backs local and demo deployments.
type LogPayer struct {
	now func() time.Time
}

func NewLogPayer() *LogPayer {
	return &LogPayer{now: time.Now}
}

func (p *LogPayer) Transfer(ctx context.Context, walletAddress string, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", domain.ErrInvalidAmount
	}
	id := uuid.NewString()
	slog.InfoContext(ctx, "payout: transfer recorded",
		"receipt", id,
		"wallet", walletAddress,
		"amount", amount.String(),
		"at", p.now().UTC(),
	)
	return id, nil
}
