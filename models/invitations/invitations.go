// Package invitations is the durable record of invitations: payments to
// counterparties that may not have a wallet yet. Statuses only move forward,
// and transitions that are already applied are merged as no-ops, so the same
// server truth can be applied any number of times.
package invitations

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

var log = build.AddSubLogger("INVT")

var (
	// ErrNotFound means no invitation matched the query
	ErrNotFound = errors.New("invitation not found")
	// ErrInvalidInvitation means a new invitation is missing required fields
	ErrInvalidInvitation = payerr.New(payerr.UserActionable, "invalid invitation")
	// ErrAlreadyTerminal means the invitation is completed, canceled or
	// expired, and can't be changed by the user
	ErrAlreadyTerminal = payerr.New(payerr.UserActionable, "invitation is already completed, canceled or expired")
	// ErrNotCancelable means only the sender can cancel an invitation
	ErrNotCancelable = payerr.New(payerr.UserActionable, "only outgoing invitations can be canceled")
	// ErrTxidMismatch means an invitation was completed with a different txid
	ErrTxidMismatch = payerr.New(payerr.DataCorruption, "invitation is completed with a different txid")
	// ErrServerIDMismatch means the server acknowledged an invitation under a
	// different id than we already have
	ErrServerIDMismatch = payerr.New(payerr.DataCorruption, "invitation is acknowledged with a different server id")
	// ErrAddressMismatch means the receiver provided a different address than
	// we already have
	ErrAddressMismatch = payerr.New(payerr.DataCorruption, "invitation has a different address")
)

// Status is where an invitation is in its lifecycle
type Status string

const (
	// StatusNotSent is persisted before the server is told about the
	// invitation
	StatusNotSent Status = "not_sent"
	// StatusRequestSent means the server acknowledged the invitation
	StatusRequestSent Status = "request_sent"
	// StatusAddressSent means the receiver provided an address
	StatusAddressSent Status = "address_sent"
	StatusCompleted   Status = "completed"
	StatusCanceled    Status = "canceled"
	StatusExpired     Status = "expired"
)

var ranks = map[Status]int{
	StatusNotSent:     0,
	StatusRequestSent: 1,
	StatusAddressSent: 2,
	StatusCompleted:   3,
	StatusCanceled:    3,
	StatusExpired:     3,
}

func (s Status) rank() int {
	return ranks[s]
}

// IsTerminal reports whether no further transitions are possible, except
// for completion by a payment that was already made
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusExpired
}

// IsOpen reports whether the invitation is waiting on the server or the
// receiver
func (s Status) IsOpen() bool {
	return !s.IsTerminal()
}

// Kind is the payment network an invitation settles on
type Kind string

const (
	KindOnChain   Kind = "onchain"
	KindLightning Kind = "lightning"
)

// Direction is whether we're paying or being paid
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// CounterpartyKind is how the counterparty is identified
type CounterpartyKind string

const (
	CounterpartyPhone   CounterpartyKind = "phone"
	CounterpartyTwitter CounterpartyKind = "twitter"
	CounterpartyUser    CounterpartyKind = "user"
)

// Counterparty is who the invitation is sent to
type Counterparty struct {
	Kind     CounterpartyKind `db:"counterparty_kind" json:"kind"`
	Identity string           `db:"counterparty_identity" json:"identity"`
	Name     *string          `db:"counterparty_name" json:"name,omitempty"`
}

// NetworkIdentity converts the counterparty into its wire shape
func (c Counterparty) NetworkIdentity() network.Identity {
	return network.Identity{
		Type:     network.IdentityType(c.Kind),
		Identity: c.Identity,
		Handle:   c.Name,
	}
}

// Invitation is the db and json type for an invitation
type Invitation struct {
	ID               int64     `db:"id" json:"id"`
	AcknowledgmentID string    `db:"acknowledgment_id" json:"acknowledgmentId"`
	ServerRequestID  *string   `db:"server_request_id" json:"serverRequestId,omitempty"`
	Status           Status    `db:"status" json:"status"`
	Kind             Kind      `db:"kind" json:"kind"`
	Direction        Direction `db:"direction" json:"direction"`

	BtcAmount      btcutil.Amount `db:"btc_amount_sat" json:"btcAmountSat"`
	FeeAmount      btcutil.Amount `db:"fee_amount_sat" json:"feeAmountSat"`
	UsdAmountCents int64          `db:"usd_amount_cents" json:"usdAmountCents"`

	Counterparty `json:"counterparty"`
	// SenderIdentity is set on incoming invitations
	SenderIdentity *string `db:"sender_identity" json:"senderIdentity,omitempty"`

	AddressProvidedToSender *string `db:"address_provided_to_sender" json:"addressProvidedToSender,omitempty"`
	PreauthID               *string `db:"preauth_id" json:"preauthId,omitempty"`
	Memo                    *string `db:"memo" json:"memo,omitempty"`
	CompletedTxid           *string `db:"completed_txid" json:"completedTxid,omitempty"`
	// ManualShareRequired is set when the server couldn't notify the
	// receiver, and the user must share the invitation themselves
	ManualShareRequired bool `db:"manual_share_required" json:"manualShareRequired"`

	SentAt     db.Time  `db:"sent_at" json:"sentAt"`
	CanceledAt *db.Time `db:"canceled_at" json:"canceledAt,omitempty"`
	ExpiredAt  *db.Time `db:"expired_at" json:"expiredAt,omitempty"`
	CreatedAt  db.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt  db.Time  `db:"updated_at" json:"-"`
}

func (i Invitation) logger() *logrus.Entry {
	fields := logrus.Fields{
		"id":               i.ID,
		"acknowledgmentId": i.AcknowledgmentID,
		"status":           i.Status,
		"kind":             i.Kind,
	}
	if i.ServerRequestID != nil {
		fields["serverRequestId"] = *i.ServerRequestID
	}
	if i.CompletedTxid != nil {
		fields["completedTxid"] = *i.CompletedTxid
	}
	return log.WithFields(fields)
}

// NewInvitation is an invitation the user asked to send
type NewInvitation struct {
	Kind           Kind
	Direction      Direction
	BtcAmount      btcutil.Amount
	FeeAmount      btcutil.Amount
	UsdAmountCents int64
	Counterparty   Counterparty
	SenderIdentity *string
	Memo           *string
	PreauthID      *string
}

func (n NewInvitation) validate(ackID string) error {
	switch {
	case strings.TrimSpace(ackID) == "":
		return errors.Wrap(ErrInvalidInvitation, "acknowledgment id is required")
	case n.BtcAmount <= 0:
		return errors.Wrap(ErrInvalidInvitation, "amount must be positive")
	case n.FeeAmount < 0:
		return errors.Wrap(ErrInvalidInvitation, "fee can't be negative")
	case n.Kind != KindOnChain && n.Kind != KindLightning:
		return errors.Wrapf(ErrInvalidInvitation, "unknown kind %q", n.Kind)
	case strings.TrimSpace(n.Counterparty.Identity) == "":
		return errors.Wrap(ErrInvalidInvitation, "counterparty identity is required")
	}
	switch n.Counterparty.Kind {
	case CounterpartyPhone, CounterpartyTwitter, CounterpartyUser:
	default:
		return errors.Wrapf(ErrInvalidInvitation, "unknown counterparty kind %q", n.Counterparty.Kind)
	}
	return nil
}

// PersistUnacknowledged inserts a new invitation with status not sent. This
// must be committed before the server is asked to create the invitation.
// Persisting the same acknowledgment id twice returns the existing
// invitation.
func PersistUnacknowledged(ctx context.Context, uow db.ReadWriter, n NewInvitation,
	ackID string) (Invitation, error) {
	if err := n.validate(ackID); err != nil {
		return Invitation{}, err
	}

	existing, err := GetByAckID(ctx, uow, ackID)
	switch {
	case err == nil:
		existing.logger().Debug("Invitation is already persisted")
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return Invitation{}, err
	}

	direction := n.Direction
	if direction == "" {
		direction = DirectionOutgoing
	}
	now := db.Now()
	inv := Invitation{
		AcknowledgmentID: ackID,
		Status:           StatusNotSent,
		Kind:             n.Kind,
		Direction:        direction,
		BtcAmount:        n.BtcAmount,
		FeeAmount:        n.FeeAmount,
		UsdAmountCents:   n.UsdAmountCents,
		Counterparty:     n.Counterparty,
		SenderIdentity:   n.SenderIdentity,
		Memo:             n.Memo,
		PreauthID:        n.PreauthID,
		SentAt:           now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	query := `
	INSERT INTO invitations (acknowledgment_id, status, kind, direction, btc_amount_sat,
		fee_amount_sat, usd_amount_cents, counterparty_kind, counterparty_identity,
		counterparty_name, sender_identity, preauth_id, memo, manual_share_required,
		sent_at, created_at, updated_at)
	VALUES (:acknowledgment_id, :status, :kind, :direction, :btc_amount_sat,
		:fee_amount_sat, :usd_amount_cents, :counterparty_kind, :counterparty_identity,
		:counterparty_name, :sender_identity, :preauth_id, :memo, :manual_share_required,
		:sent_at, :created_at, :updated_at)
	RETURNING id`

	rows, err := sqlx.NamedQueryContext(ctx, uow, query, inv)
	if err != nil {
		return Invitation{}, errors.Wrap(err, "could not insert invitation")
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.WithError(err).Error("could not close rows")
		}
	}()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Invitation{}, errors.Wrap(err, "could not insert invitation")
		}
		return Invitation{}, errors.New("insert did not return an id")
	}
	if err := rows.Scan(&inv.ID); err != nil {
		return Invitation{}, errors.Wrap(err, "could not scan invitation id")
	}

	inv.logger().WithFields(logrus.Fields{
		"amountSat":    inv.BtcAmount,
		"feeSat":       inv.FeeAmount,
		"counterparty": inv.Counterparty.Kind,
	}).Info("Persisted unacknowledged invitation")
	return inv, nil
}

func getBy(ctx context.Context, r db.Reader, column string, value interface{}) (Invitation, error) {
	query := r.Rebind("SELECT * FROM invitations WHERE " + column + " = ? LIMIT 1")
	var inv Invitation
	if err := sqlx.GetContext(ctx, r, &inv, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Invitation{}, errors.Wrapf(ErrNotFound, "%s %v", column, value)
		}
		return Invitation{}, errors.Wrapf(err, "could not get invitation by %s", column)
	}
	return inv, nil
}

// GetByID gets an invitation by its primary key
func GetByID(ctx context.Context, r db.Reader, id int64) (Invitation, error) {
	return getBy(ctx, r, "id", id)
}

// GetByAckID gets an invitation by its client generated acknowledgment id
func GetByAckID(ctx context.Context, r db.Reader, ackID string) (Invitation, error) {
	return getBy(ctx, r, "acknowledgment_id", ackID)
}

// GetByServerRequestID gets an invitation by the id the server assigned it
func GetByServerRequestID(ctx context.Context, r db.Reader, serverID string) (Invitation, error) {
	return getBy(ctx, r, "server_request_id", serverID)
}

func list(ctx context.Context, r db.Reader, query string, args ...interface{}) ([]Invitation, error) {
	invitations := []Invitation{}
	if err := sqlx.SelectContext(ctx, r, &invitations, r.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "could not list invitations")
	}
	return invitations, nil
}

// ListUnacknowledged lists invitations the server never acknowledged, that
// were created before olderThan
func ListUnacknowledged(ctx context.Context, r db.Reader, olderThan time.Time) ([]Invitation, error) {
	return list(ctx, r, `SELECT * FROM invitations
		WHERE status = ? AND created_at <= ?
		ORDER BY id`, StatusNotSent, db.NewTime(olderThan))
}

// ListOpen lists every invitation that isn't completed, canceled or expired
func ListOpen(ctx context.Context, r db.Reader) ([]Invitation, error) {
	return list(ctx, r, `SELECT * FROM invitations
		WHERE status IN (?, ?, ?)
		ORDER BY id`, StatusNotSent, StatusRequestSent, StatusAddressSent)
}

// ListAll lists every invitation, oldest first
func ListAll(ctx context.Context, r db.Reader) ([]Invitation, error) {
	return list(ctx, r, `SELECT * FROM invitations ORDER BY id`)
}

func save(ctx context.Context, uow db.ReadWriter, inv Invitation) (Invitation, error) {
	inv.UpdatedAt = db.Now()
	query := `UPDATE invitations SET
		status = :status,
		server_request_id = :server_request_id,
		address_provided_to_sender = :address_provided_to_sender,
		completed_txid = :completed_txid,
		manual_share_required = :manual_share_required,
		preauth_id = :preauth_id,
		canceled_at = :canceled_at,
		expired_at = :expired_at,
		updated_at = :updated_at
	WHERE id = :id`
	res, err := sqlx.NamedExecContext(ctx, uow, query, inv)
	if err != nil {
		return Invitation{}, errors.Wrapf(err, "could not update invitation %d", inv.ID)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return Invitation{}, errors.Wrapf(ErrNotFound, "id %d", inv.ID)
	}
	return inv, nil
}

func corrupted(inv Invitation, err error, fields logrus.Fields) error {
	inv.logger().WithFields(fields).WithError(err).Error("Refusing to overwrite invitation")
	return err
}

// Acknowledge records that the server created the invitation. Acknowledging
// an invitation that's already past not sent only fills in a missing server
// id.
func Acknowledge(ctx context.Context, uow db.ReadWriter, id int64,
	resp network.WalletAddressRequestResponse) (Invitation, error) {
	if resp.ID == "" {
		return Invitation{}, errors.New("server response has no id")
	}
	inv, err := GetByID(ctx, uow, id)
	if err != nil {
		return Invitation{}, err
	}

	if inv.ServerRequestID != nil {
		if *inv.ServerRequestID != resp.ID {
			return Invitation{}, corrupted(inv, ErrServerIDMismatch, logrus.Fields{
				"responseId": resp.ID,
			})
		}
		if inv.Status != StatusNotSent {
			return inv, nil
		}
	}

	serverID := resp.ID
	inv.ServerRequestID = &serverID
	if resp.Metadata != nil && resp.Metadata.PreauthID != nil && inv.PreauthID == nil {
		inv.PreauthID = resp.Metadata.PreauthID
	}
	if inv.Status == StatusNotSent {
		inv.Status = StatusRequestSent
	}

	inv, err = save(ctx, uow, inv)
	if err != nil {
		return Invitation{}, err
	}
	inv.logger().Info("Invitation acknowledged")
	return inv, nil
}

// RecordAddressProvided records the address the receiver provided
func RecordAddressProvided(ctx context.Context, uow db.ReadWriter, id int64,
	address string) (Invitation, error) {
	if strings.TrimSpace(address) == "" {
		return Invitation{}, errors.New("address is required")
	}
	inv, err := GetByID(ctx, uow, id)
	if err != nil {
		return Invitation{}, err
	}

	if inv.AddressProvidedToSender != nil {
		if *inv.AddressProvidedToSender != address {
			return Invitation{}, corrupted(inv, ErrAddressMismatch, logrus.Fields{
				"address":         *inv.AddressProvidedToSender,
				"providedAddress": address,
			})
		}
		return inv, nil
	}
	if inv.Status.IsTerminal() {
		inv.logger().Debug("Ignoring address for finished invitation")
		return inv, nil
	}

	inv.AddressProvidedToSender = &address
	if inv.Status.rank() < StatusAddressSent.rank() {
		inv.Status = StatusAddressSent
	}
	inv, err = save(ctx, uow, inv)
	if err != nil {
		return Invitation{}, err
	}
	inv.logger().WithField("address", address).Info("Receiver provided address")
	return inv, nil
}

// Complete marks the invitation as paid by txid. Completing with the same
// txid again is a no-op, completing with another txid is an error. Canceled
// and expired invitations stay as they are.
func Complete(ctx context.Context, uow db.ReadWriter, id int64, txid string) (Invitation, error) {
	if strings.TrimSpace(txid) == "" {
		return Invitation{}, errors.New("txid is required")
	}
	inv, err := GetByID(ctx, uow, id)
	if err != nil {
		return Invitation{}, err
	}

	if inv.CompletedTxid != nil {
		if *inv.CompletedTxid != txid {
			return Invitation{}, corrupted(inv, ErrTxidMismatch, logrus.Fields{
				"txid": txid,
			})
		}
		return inv, nil
	}
	if inv.Status == StatusCanceled || inv.Status == StatusExpired {
		inv.logger().WithField("txid", txid).Error("Payment reported for a finished invitation, not completing it")
		return inv, nil
	}

	inv.Status = StatusCompleted
	inv.CompletedTxid = &txid
	inv, err = save(ctx, uow, inv)
	if err != nil {
		return Invitation{}, err
	}
	inv.logger().Info("Invitation completed")
	return inv, nil
}

// Cancel cancels an outgoing invitation on behalf of the sender
func Cancel(ctx context.Context, uow db.ReadWriter, id int64) (Invitation, error) {
	inv, err := GetByID(ctx, uow, id)
	if err != nil {
		return Invitation{}, err
	}
	if inv.Direction != DirectionOutgoing {
		return Invitation{}, ErrNotCancelable
	}
	if inv.Status.IsTerminal() {
		return Invitation{}, errors.Wrapf(ErrAlreadyTerminal, "invitation %d is %s", inv.ID, inv.Status)
	}
	return markCanceled(ctx, uow, inv)
}

func markCanceled(ctx context.Context, uow db.ReadWriter, inv Invitation) (Invitation, error) {
	inv.Status = StatusCanceled
	inv.CanceledAt = db.TimePtr(time.Now())
	inv, err := save(ctx, uow, inv)
	if err != nil {
		return Invitation{}, err
	}
	inv.logger().Info("Invitation canceled")
	return inv, nil
}

// Expire marks an invitation as expired by the server. Finished invitations
// are left alone.
func Expire(ctx context.Context, uow db.ReadWriter, id int64) (Invitation, error) {
	inv, err := GetByID(ctx, uow, id)
	if err != nil {
		return Invitation{}, err
	}
	if inv.Status.IsTerminal() {
		return inv, nil
	}
	inv.Status = StatusExpired
	inv.ExpiredAt = db.TimePtr(time.Now())
	inv, err = save(ctx, uow, inv)
	if err != nil {
		return Invitation{}, err
	}
	inv.logger().Info("Invitation expired")
	return inv, nil
}

// MarkManualShare flags that the receiver wasn't notified by the server, and
// the sender needs to share the invitation themselves
func MarkManualShare(ctx context.Context, uow db.ReadWriter, id int64) (Invitation, error) {
	inv, err := GetByID(ctx, uow, id)
	if err != nil {
		return Invitation{}, err
	}
	if inv.ManualShareRequired {
		return inv, nil
	}
	inv.ManualShareRequired = true
	inv, err = save(ctx, uow, inv)
	if err != nil {
		return Invitation{}, err
	}
	inv.logger().Warn("Invitation must be shared manually")
	return inv, nil
}

// ServerUpdate is the server's view of an invitation
type ServerUpdate struct {
	Status    network.RequestStatus
	ServerID  string
	Address   *string
	Txid      *string
	PreauthID *string
}

// UpdateFromResponse builds an update from an address request response
func UpdateFromResponse(resp network.WalletAddressRequestResponse) ServerUpdate {
	update := ServerUpdate{
		Status:   resp.Status,
		ServerID: resp.ID,
		Address:  resp.Address,
		Txid:     resp.Txid,
	}
	if resp.Metadata != nil {
		update.PreauthID = resp.Metadata.PreauthID
	}
	return update
}

// Changed reports whether anything the user can see differs between two
// versions of an invitation
func Changed(before, after Invitation) bool {
	return before.Status != after.Status ||
		!equalPtr(before.ServerRequestID, after.ServerRequestID) ||
		!equalPtr(before.AddressProvidedToSender, after.AddressProvidedToSender) ||
		!equalPtr(before.CompletedTxid, after.CompletedTxid) ||
		before.ManualShareRequired != after.ManualShareRequired
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ApplyServerStatus merges the server's view of an invitation into the
// ledger, through the same transitions the settlement flow uses. It returns
// the invitation as it is after the merge.
func ApplyServerStatus(ctx context.Context, uow db.ReadWriter, id int64,
	update ServerUpdate) (Invitation, error) {
	inv, err := GetByID(ctx, uow, id)
	if err != nil {
		return Invitation{}, err
	}

	if update.ServerID != "" && (inv.ServerRequestID == nil || inv.Status == StatusNotSent) {
		inv, err = Acknowledge(ctx, uow, id, network.WalletAddressRequestResponse{
			ID:       update.ServerID,
			Metadata: &network.RequestMetadata{PreauthID: update.PreauthID},
		})
		if err != nil {
			return Invitation{}, err
		}
	}

	if update.Address != nil && *update.Address != "" {
		if inv, err = RecordAddressProvided(ctx, uow, id, *update.Address); err != nil {
			return Invitation{}, err
		}
	}

	switch update.Status {
	case network.RequestStatusCompleted:
		if update.Txid == nil || *update.Txid == "" {
			inv.logger().Warn("Server says invitation is completed, but has no txid")
			return inv, nil
		}
		return Complete(ctx, uow, id, *update.Txid)
	case network.RequestStatusCanceled:
		if inv.Status.IsTerminal() {
			return inv, nil
		}
		return markCanceled(ctx, uow, inv)
	case network.RequestStatusExpired:
		return Expire(ctx, uow, id)
	}
	return inv, nil
}
