package database

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/nodeflow/nodeflow/internal/apierror"
	"github.com/nodeflow/nodeflow/model"
)

// GetAvailableCreditEntries returns the user's spendable ledger entries in consumption order:
// soonest expiry first, entries without expiry last, ties by id.
func (d Datasource) GetAvailableCreditEntries(ctx context.Context, userID int64, today time.Time) ([]model.CreditLedgerEntry, error) {
	ctx, span := otel.Tracer("nodeflow.database").Start(ctx, "Get available credit entries")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, user_id, credits, remaining, source, expires_at, created_at
		FROM nodeflow.credit_ledger
		WHERE user_id = $1
		  AND remaining > 0
		  AND (expires_at IS NULL OR expires_at >= $2)
		ORDER BY expires_at ASC NULLS LAST, id ASC
	`, userID, today)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve credit entries", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.CreditLedgerEntry
	for rows.Next() {
		var entry model.CreditLedgerEntry
		var expiresAt sql.NullTime
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Credits, &entry.Remaining, &entry.Source, &expiresAt, &entry.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan credit entry", err)
		}
		if expiresAt.Valid {
			entry.ExpiresAt = &expiresAt.Time
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating over credit entries", err)
	}
	return entries, nil
}

// DeductCreditEntry subtracts amount from one ledger entry if it still has enough remaining.
func (d Datasource) DeductCreditEntry(ctx context.Context, entryID int64, amount int64) (bool, error) {
	return d.execConditional(ctx, "Failed to deduct credits", `
		UPDATE nodeflow.credit_ledger
		SET remaining = remaining - $1
		WHERE id = $2 AND remaining >= $1
	`, amount, entryID)
}

// GrantCredits adds a new ledger entry.
func (d Datasource) GrantCredits(ctx context.Context, entry model.CreditLedgerEntry) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO nodeflow.credit_ledger (user_id, credits, remaining, source, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, entry.UserID, entry.Credits, entry.Remaining, entry.Source, entry.ExpiresAt, entry.CreatedAt).Scan(&id)
	if err != nil {
		return 0, mapWriteError(err, "Failed to grant credits")
	}
	return id, nil
}

// RecordCreditTransaction appends an audit row.
func (d Datasource) RecordCreditTransaction(ctx context.Context, txn model.CreditTransaction) (int64, error) {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO nodeflow.credit_transactions (user_id, type, amount, balance_after, description, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, txn.UserID, txn.Type, txn.Amount, txn.BalanceAfter, txn.Description, txn.ReferenceID, txn.CreatedAt).Scan(&id)
	if err != nil {
		return 0, mapWriteError(err, "Failed to record credit transaction")
	}
	return id, nil
}

// GetCreditTransactions returns a user's credit audit rows, oldest first.
func (d Datasource) GetCreditTransactions(ctx context.Context, userID int64) ([]model.CreditTransaction, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, user_id, type, amount, balance_after, description, reference_id, created_at
		FROM nodeflow.credit_transactions
		WHERE user_id = $1
		ORDER BY id ASC
	`, userID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve credit transactions", err)
	}
	defer func() { _ = rows.Close() }()

	var txns []model.CreditTransaction
	for rows.Next() {
		var txn model.CreditTransaction
		var description, referenceID sql.NullString
		if err := rows.Scan(&txn.ID, &txn.UserID, &txn.Type, &txn.Amount, &txn.BalanceAfter, &description, &referenceID, &txn.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan credit transaction", err)
		}
		txn.Description = description.String
		txn.ReferenceID = referenceID.String
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}
