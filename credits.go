package nodeflow

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodeflow/nodeflow/model"
)

const refundSource = "refund"

type deduction struct {
	entry  model.CreditLedgerEntry
	amount int64
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CreditBalance sums the remaining credits of the user's non-expired ledger entries.
func (n *Nodeflow) CreditBalance(ctx context.Context, userID int64) (int64, error) {
	entries, err := n.datasource.GetAvailableCreditEntries(ctx, userID, startOfDay(n.now()))
	if err != nil {
		return 0, err
	}
	return sumRemaining(entries), nil
}

func sumRemaining(entries []model.CreditLedgerEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Remaining
	}
	return total
}

// ChargeCredits consumes cost credits from the user's ledger, soonest expiry first, and appends one
// usage transaction. The ledger is untouched when the balance is short.
func (n *Nodeflow) ChargeCredits(ctx context.Context, userID, cost int64, description, referenceID string) error {
	if cost <= 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "ChargeCredits")
	defer span.End()

	entries, err := n.datasource.GetAvailableCreditEntries(ctx, userID, startOfDay(n.now()))
	if err != nil {
		return err
	}
	available := sumRemaining(entries)
	if available < cost {
		return newInsufficientCreditsError(available, cost)
	}

	var taken []deduction
	outstanding := cost
	for _, entry := range entries {
		if outstanding == 0 {
			break
		}
		amount := min(entry.Remaining, outstanding)
		ok, err := n.datasource.DeductCreditEntry(ctx, entry.ID, amount)
		if err != nil {
			n.restoreDeductions(ctx, userID, taken)
			return err
		}
		if !ok {
			n.restoreDeductions(ctx, userID, taken)
			return fmt.Errorf("credit entry %d changed during charge", entry.ID)
		}
		taken = append(taken, deduction{entry: entry, amount: amount})
		outstanding -= amount
	}

	_, err = n.datasource.RecordCreditTransaction(ctx, model.CreditTransaction{
		UserID:       userID,
		Type:         model.CreditTxnUsage,
		Amount:       -cost,
		BalanceAfter: available - cost,
		Description:  description,
		ReferenceID:  referenceID,
	})
	if err != nil {
		n.restoreDeductions(ctx, userID, taken)
		return err
	}
	return nil
}

// restoreDeductions gives back a partially applied charge as grants carrying the original expiry.
func (n *Nodeflow) restoreDeductions(ctx context.Context, userID int64, taken []deduction) {
	for _, d := range taken {
		_, err := n.datasource.GrantCredits(ctx, model.CreditLedgerEntry{
			UserID:    userID,
			Credits:   d.amount,
			Remaining: d.amount,
			Source:    refundSource,
			ExpiresAt: d.entry.ExpiresAt,
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{"user_id": userID, "entry_id": d.entry.ID, "amount": d.amount}).
				Errorf("failed to restore partial credit charge: %v", err)
		}
	}
}

// GrantCredits adds a ledger entry of amount credits and records a grant transaction.
func (n *Nodeflow) GrantCredits(ctx context.Context, userID, amount int64, source string, expiresAt *time.Time) (int64, error) {
	return n.addCredits(ctx, userID, amount, source, model.CreditTxnGrant, expiresAt, fmt.Sprintf("Credits granted (%s)", source), "")
}

// RefundCredits returns amount credits to the user as a non-expiring refund grant.
func (n *Nodeflow) RefundCredits(ctx context.Context, userID, amount int64, description, referenceID string) error {
	_, err := n.addCredits(ctx, userID, amount, refundSource, model.CreditTxnRefund, nil, description, referenceID)
	return err
}

func (n *Nodeflow) addCredits(ctx context.Context, userID, amount int64, source, txnType string, expiresAt *time.Time, description, referenceID string) (int64, error) {
	if amount <= 0 {
		return 0, nil
	}
	balance, err := n.CreditBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	id, err := n.datasource.GrantCredits(ctx, model.CreditLedgerEntry{
		UserID:    userID,
		Credits:   amount,
		Remaining: amount,
		Source:    source,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return 0, err
	}
	_, err = n.datasource.RecordCreditTransaction(ctx, model.CreditTransaction{
		UserID:       userID,
		Type:         txnType,
		Amount:       amount,
		BalanceAfter: balance + amount,
		Description:  description,
		ReferenceID:  referenceID,
	})
	return id, err
}

// refundNodeTask takes whatever credits are still held by the node task and refunds them once.
// Failures are logged.
func (n *Nodeflow) refundNodeTask(ctx context.Context, userID int64, task model.NodeTask) {
	logger := logrus.WithFields(logrus.Fields{"execution_id": task.ExecutionID, "node_task_id": task.ID})

	amount, err := n.datasource.TakeNodeTaskCredits(ctx, task.ID)
	if err != nil {
		logger.Errorf("failed to take charged credits for refund: %v", err)
		return
	}
	if amount == 0 {
		return
	}
	err = n.RefundCredits(ctx, userID, amount, fmt.Sprintf("Refund for failed node %s (%s)", task.NodeID, task.NodeType), nodeTaskReference(task.ID))
	if err != nil {
		logger.Errorf("failed to refund %d credits: %v", amount, err)
		return
	}
	logger.Infof("refunded %d credits", amount)
}

func nodeTaskReference(id int64) string {
	return fmt.Sprintf("node_task:%d", id)
}
