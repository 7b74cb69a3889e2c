// Package transactions stores the payments the wallet has made. A row may
// exist before its transaction is broadcast, under a synthetic txid, and is
// updated in place once the real txid is known.
package transactions

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/dropbit/build"
	"gitlab.com/arcanecrypto/dropbit/db"
	"gitlab.com/arcanecrypto/dropbit/network"
	"gitlab.com/arcanecrypto/dropbit/payerr"
)

var log = build.AddSubLogger("TXNS")

const (
	// PendingInvitationPrefix marks a row for an invitation that isn't paid
	// yet
	PendingInvitationPrefix = "invitation-pending-"
	// FailedPrefix marks a row whose broadcast failed
	FailedPrefix = "failed-"
)

var (
	// ErrNotFound means no transaction matched the query
	ErrNotFound = errors.New("transaction not found")
	// ErrInvalidTransaction means a new transaction is missing required fields
	ErrInvalidTransaction = payerr.New(payerr.UserActionable, "invalid transaction")
	// ErrAlreadyBroadcast means a synthetic row was replaced with a different
	// txid than the one given
	ErrAlreadyBroadcast = payerr.New(payerr.DataCorruption, "transaction is already broadcast with a different txid")
)

// Network is the payment network a transaction settled on
type Network string

const (
	NetworkOnChain   Network = "onchain"
	NetworkLightning Network = "lightning"
)

// Transaction is the db and json type for a payment
type Transaction struct {
	ID      int64   `db:"id" json:"id"`
	Txid    string  `db:"txid" json:"txid"`
	Network Network `db:"network" json:"network"`

	AmountSat btcutil.Amount `db:"amount_sat" json:"amountSat"`
	FeeSat    btcutil.Amount `db:"fee_sat" json:"feeSat"`

	DestinationAddress string `db:"destination_address" json:"destinationAddress"`
	IsSentToSelf       bool   `db:"is_sent_to_self" json:"isSentToSelf"`
	// InvitationID points at the invitation this payment settles, if any
	InvitationID        *int64  `db:"invitation_id" json:"invitationId,omitempty"`
	Memo                *string `db:"memo" json:"memo,omitempty"`
	SharedPayloadPosted bool    `db:"shared_payload_posted" json:"sharedPayloadPosted"`

	BroadcastAt      *db.Time `db:"broadcast_at" json:"broadcastAt,omitempty"`
	ConfirmedAtBlock *int     `db:"confirmed_at_block" json:"confirmedAtBlock,omitempty"`
	ConfirmedAt      *db.Time `db:"confirmed_at" json:"confirmedAt,omitempty"`
	CreatedAt        db.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt        db.Time  `db:"updated_at" json:"-"`
}

// IsSynthetic reports whether the txid is a placeholder
func IsSynthetic(txid string) bool {
	return strings.HasPrefix(txid, PendingInvitationPrefix) || strings.HasPrefix(txid, FailedPrefix)
}

// PendingTxid is the placeholder txid of an unpaid invitation
func PendingTxid(ackID string) string {
	return PendingInvitationPrefix + ackID
}

// FailedTxid is the placeholder txid of an invitation whose payment failed
func FailedTxid(ackID string) string {
	return FailedPrefix + ackID
}

// IsPending reports whether the transaction has not been broadcast yet
func (t Transaction) IsPending() bool {
	return IsSynthetic(t.Txid)
}

// IsConfirmed reports whether the transaction is mined
func (t Transaction) IsConfirmed() bool {
	return t.ConfirmedAtBlock != nil
}

func (t Transaction) logger() *logrus.Entry {
	fields := logrus.Fields{
		"id":      t.ID,
		"txid":    t.Txid,
		"network": t.Network,
	}
	if t.InvitationID != nil {
		fields["invitationId"] = *t.InvitationID
	}
	return log.WithFields(fields)
}

// NewTransaction is a payment to record
type NewTransaction struct {
	Txid               string
	Network            Network
	Amount             btcutil.Amount
	Fee                btcutil.Amount
	DestinationAddress string
	IsSentToSelf       bool
	InvitationID       *int64
	Memo               *string
}

func (n NewTransaction) validate() error {
	switch {
	case n.Amount <= 0:
		return errors.Wrap(ErrInvalidTransaction, "amount must be positive")
	case n.Fee < 0:
		return errors.Wrap(ErrInvalidTransaction, "fee can't be negative")
	case n.Network != NetworkOnChain && n.Network != NetworkLightning:
		return errors.Wrapf(ErrInvalidTransaction, "unknown network %q", n.Network)
	case IsSynthetic(n.Txid):
		if n.InvitationID == nil {
			return errors.Wrap(ErrInvalidTransaction, "placeholder rows must reference an invitation")
		}
		return nil
	}
	// lightning payment hashes share the txid format
	if err := network.ValidateTxid(n.Txid); err != nil {
		return errors.Wrap(ErrInvalidTransaction, err.Error())
	}
	return nil
}

func insert(ctx context.Context, uow db.ReadWriter, tx Transaction) (Transaction, error) {
	query := `
	INSERT INTO transactions (txid, network, amount_sat, fee_sat, destination_address,
		is_sent_to_self, invitation_id, memo, shared_payload_posted, broadcast_at,
		created_at, updated_at)
	VALUES (:txid, :network, :amount_sat, :fee_sat, :destination_address,
		:is_sent_to_self, :invitation_id, :memo, :shared_payload_posted, :broadcast_at,
		:created_at, :updated_at)
	RETURNING id`

	rows, err := sqlx.NamedQueryContext(ctx, uow, query, tx)
	if err != nil {
		return Transaction{}, errors.Wrap(err, "could not insert transaction")
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.WithError(err).Error("could not close rows")
		}
	}()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Transaction{}, errors.Wrap(err, "could not insert transaction")
		}
		return Transaction{}, errors.New("insert did not return an id")
	}
	if err := rows.Scan(&tx.ID); err != nil {
		return Transaction{}, errors.Wrap(err, "could not scan transaction id")
	}
	return tx, nil
}

// Insert records a payment. A real txid is stamped as broadcast now. Inserting
// a txid that already exists returns the existing row.
func Insert(ctx context.Context, uow db.ReadWriter, n NewTransaction) (Transaction, error) {
	if err := n.validate(); err != nil {
		return Transaction{}, err
	}

	existing, err := GetByTxid(ctx, uow, n.Txid)
	switch {
	case err == nil:
		existing.logger().Debug("Transaction is already recorded")
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return Transaction{}, err
	}

	now := db.Now()
	tx := Transaction{
		Txid:               n.Txid,
		Network:            n.Network,
		AmountSat:          n.Amount,
		FeeSat:             n.Fee,
		DestinationAddress: n.DestinationAddress,
		IsSentToSelf:       n.IsSentToSelf,
		InvitationID:       n.InvitationID,
		Memo:               n.Memo,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if !IsSynthetic(n.Txid) {
		tx.BroadcastAt = &now
	}

	tx, err = insert(ctx, uow, tx)
	if err != nil {
		return Transaction{}, err
	}
	tx.logger().WithFields(logrus.Fields{
		"amountSat": tx.AmountSat,
		"feeSat":    tx.FeeSat,
	}).Info("Recorded transaction")
	return tx, nil
}

func getBy(ctx context.Context, r db.Reader, column string, value interface{}) (Transaction, error) {
	query := r.Rebind("SELECT * FROM transactions WHERE " + column + " = ? ORDER BY id LIMIT 1")
	var tx Transaction
	if err := sqlx.GetContext(ctx, r, &tx, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, errors.Wrapf(ErrNotFound, "%s %v", column, value)
		}
		return Transaction{}, errors.Wrapf(err, "could not get transaction by %s", column)
	}
	return tx, nil
}

// GetByID gets a transaction by its primary key
func GetByID(ctx context.Context, r db.Reader, id int64) (Transaction, error) {
	return getBy(ctx, r, "id", id)
}

// GetByTxid gets a transaction by its real or synthetic txid
func GetByTxid(ctx context.Context, r db.Reader, txid string) (Transaction, error) {
	return getBy(ctx, r, "txid", txid)
}

// GetByInvitationID gets the transaction that settles an invitation
func GetByInvitationID(ctx context.Context, r db.Reader, invitationID int64) (Transaction, error) {
	return getBy(ctx, r, "invitation_id", invitationID)
}

func list(ctx context.Context, r db.Reader, query string, args ...interface{}) ([]Transaction, error) {
	txs := []Transaction{}
	if err := sqlx.SelectContext(ctx, r, &txs, r.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "could not list transactions")
	}
	return txs, nil
}

// ListUnconfirmed lists broadcast on-chain transactions that aren't mined yet
func ListUnconfirmed(ctx context.Context, r db.Reader) ([]Transaction, error) {
	return list(ctx, r, `SELECT * FROM transactions
		WHERE network = ? AND broadcast_at IS NOT NULL AND confirmed_at_block IS NULL
		ORDER BY id`, NetworkOnChain)
}

// ListAll lists every transaction, oldest first
func ListAll(ctx context.Context, r db.Reader) ([]Transaction, error) {
	return list(ctx, r, `SELECT * FROM transactions ORDER BY id`)
}

// MarkBroadcast replaces the synthetic txid of a row with the real one. The
// row is updated in place, so it is never duplicated. Marking a row that
// already carries txid is a no-op.
func MarkBroadcast(ctx context.Context, uow db.ReadWriter, synthetic, txid string,
	fee btcutil.Amount, destination string) (Transaction, error) {
	if !IsSynthetic(synthetic) {
		return Transaction{}, errors.Wrapf(ErrInvalidTransaction, "%q is not a placeholder txid", synthetic)
	}
	if err := network.ValidateTxid(txid); err != nil {
		return Transaction{}, errors.Wrap(ErrInvalidTransaction, err.Error())
	}

	tx, err := GetByTxid(ctx, uow, synthetic)
	if errors.Is(err, ErrNotFound) {
		// a previous attempt may already have replaced it
		done, getErr := GetByTxid(ctx, uow, txid)
		if getErr != nil {
			return Transaction{}, err
		}
		return done, nil
	}
	if err != nil {
		return Transaction{}, err
	}

	now := db.Now()
	tx.Txid = txid
	tx.FeeSat = fee
	tx.DestinationAddress = destination
	tx.BroadcastAt = &now
	tx.UpdatedAt = now

	query := uow.Rebind(`UPDATE transactions
		SET txid = ?, fee_sat = ?, destination_address = ?, broadcast_at = ?, updated_at = ?
		WHERE txid = ?`)
	if _, err := uow.ExecContext(ctx, query, tx.Txid, tx.FeeSat, tx.DestinationAddress,
		tx.BroadcastAt, tx.UpdatedAt, synthetic); err != nil {
		if db.IsUniqueViolation(err) {
			tx.logger().WithField("placeholder", synthetic).Error("Broadcast txid is already recorded")
			return Transaction{}, errors.Wrapf(ErrAlreadyBroadcast, "txid %s", txid)
		}
		return Transaction{}, errors.Wrapf(err, "could not mark %s as broadcast", synthetic)
	}
	tx.logger().WithField("placeholder", synthetic).Info("Marked transaction as broadcast")
	return tx, nil
}

// MarkFailed moves a pending row to the failed placeholder, so the invitation
// shows a failed payment instead of a pending one
func MarkFailed(ctx context.Context, uow db.ReadWriter, ackID string) (Transaction, error) {
	pending := PendingTxid(ackID)
	tx, err := GetByTxid(ctx, uow, pending)
	if err != nil {
		return Transaction{}, err
	}
	tx.Txid = FailedTxid(ackID)
	tx.UpdatedAt = db.Now()

	query := uow.Rebind(`UPDATE transactions SET txid = ?, updated_at = ? WHERE txid = ?`)
	if _, err := uow.ExecContext(ctx, query, tx.Txid, tx.UpdatedAt, pending); err != nil {
		return Transaction{}, errors.Wrapf(err, "could not mark %s as failed", pending)
	}
	tx.logger().Warn("Marked transaction as failed")
	return tx, nil
}

// MarkConfirmed records the block a transaction was mined in. changed is
// false if that block was already recorded.
func MarkConfirmed(ctx context.Context, uow db.ReadWriter, txid string, block int,
	at time.Time) (tx Transaction, changed bool, err error) {
	tx, err = GetByTxid(ctx, uow, txid)
	if err != nil {
		return Transaction{}, false, err
	}
	if tx.ConfirmedAtBlock != nil && *tx.ConfirmedAtBlock == block {
		return tx, false, nil
	}

	tx.ConfirmedAtBlock = &block
	tx.ConfirmedAt = db.TimePtr(at)
	tx.UpdatedAt = db.Now()
	query := `UPDATE transactions SET
		confirmed_at_block = :confirmed_at_block,
		confirmed_at = :confirmed_at,
		updated_at = :updated_at
	WHERE id = :id`
	if _, err := sqlx.NamedExecContext(ctx, uow, query, tx); err != nil {
		return Transaction{}, false, errors.Wrapf(err, "could not mark %s as confirmed", txid)
	}
	tx.logger().WithField("block", block).Info("Marked transaction as confirmed")
	return tx, true, nil
}

// MarkPayloadPosted records that the shared payload reached the server
func MarkPayloadPosted(ctx context.Context, uow db.ReadWriter, txid string) (Transaction, error) {
	tx, err := GetByTxid(ctx, uow, txid)
	if err != nil {
		return Transaction{}, err
	}
	if tx.SharedPayloadPosted {
		return tx, nil
	}
	tx.SharedPayloadPosted = true
	tx.UpdatedAt = db.Now()
	query := `UPDATE transactions SET
		shared_payload_posted = :shared_payload_posted,
		updated_at = :updated_at
	WHERE id = :id`
	if _, err := sqlx.NamedExecContext(ctx, uow, query, tx); err != nil {
		return Transaction{}, errors.Wrapf(err, "could not mark payload of %s as posted", txid)
	}
	return tx, nil
}
