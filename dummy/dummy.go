// Package dummy fills a database with realistic looking invitations and
// transactions, for developing against a populated wallet
package dummy

import (
	"context"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/dropbit/build"
	"gitlab.com/arcanecrypto/dropbit/db"
	"gitlab.com/arcanecrypto/dropbit/models/invitations"
	"gitlab.com/arcanecrypto/dropbit/models/transactions"
	"gitlab.com/arcanecrypto/dropbit/network"
	"gitlab.com/arcanecrypto/dropbit/testutil/txtest"
)

var log = build.AddSubLogger("DMMY")

const (
	invitationCount  = 20
	transactionCount = 30
)

// outcomes invitations are driven to
var outcomes = []network.RequestStatus{
	"", // left unacknowledged
	network.RequestStatusNew,
	network.RequestStatusCompleted,
	network.RequestStatusCanceled,
	network.RequestStatusExpired,
}

// FillWithData populates the database with dummy data. If onlyOnce is set
// nothing is done to a database that already has data.
func FillWithData(ctx context.Context, d *db.DB, params *chaincfg.Params, onlyOnce bool) error {
	log.WithField("onlyOnce", onlyOnce).Info("Populating DB with dummy data")
	gofakeit.Seed(time.Now().UnixNano())

	if onlyOnce {
		found, err := transactions.ListAll(ctx, d)
		if err != nil {
			return err
		}
		if len(found) != 0 {
			log.Info("DB has data, not populating with further data")
			return nil
		}
	}

	for i := 0; i < invitationCount; i++ {
		if err := d.WithTx(ctx, func(uow db.UnitOfWork) error {
			return createInvitation(ctx, uow, params)
		}); err != nil {
			return errors.Wrap(err, "could not create dummy invitation")
		}
	}
	for i := 0; i < transactionCount; i++ {
		if err := d.WithTx(ctx, func(uow db.UnitOfWork) error {
			return createTransaction(ctx, uow, params)
		}); err != nil {
			return errors.Wrap(err, "could not create dummy transaction")
		}
	}

	log.WithField("invitations", invitationCount).
		WithField("transactions", transactionCount).
		Info("Populated DB with dummy data")
	return nil
}

func memo() *string {
	return txtest.MockMaybeString(func() string { return gofakeit.HipsterSentence(5) })
}

func createInvitation(ctx context.Context, uow db.UnitOfWork, params *chaincfg.Params) error {
	ackID := uuid.New().String()
	kind := invitations.KindOnChain
	txNetwork := transactions.NetworkOnChain
	if gofakeit.Bool() {
		kind = invitations.KindLightning
		txNetwork = transactions.NetworkLightning
	}

	amount := txtest.MockAmount(10000, 5000000)
	inv, err := invitations.PersistUnacknowledged(ctx, uow, invitations.NewInvitation{
		Kind:           kind,
		Direction:      invitations.DirectionOutgoing,
		BtcAmount:      amount,
		FeeAmount:      txtest.MockAmount(200, 5000),
		UsdAmountCents: int64(amount) / 1000,
		Counterparty: invitations.Counterparty{
			Kind:     invitations.CounterpartyPhone,
			Identity: txtest.MockPhoneNumber(),
		},
		Memo: memo(),
	}, ackID)
	if err != nil {
		return err
	}
	invitationID := inv.ID
	if _, err := transactions.Insert(ctx, uow, transactions.NewTransaction{
		Txid:               transactions.PendingTxid(ackID),
		Network:            txNetwork,
		Amount:             inv.BtcAmount,
		Fee:                inv.FeeAmount,
		DestinationAddress: "",
		InvitationID:       &invitationID,
		Memo:               inv.Memo,
	}); err != nil {
		return err
	}

	outcome := outcomes[rand.Intn(len(outcomes))]
	if outcome == "" {
		return nil
	}

	update := invitations.ServerUpdate{Status: outcome, ServerID: uuid.New().String()}
	address := txtest.MockAddress(params).EncodeAddress()
	if outcome == network.RequestStatusCompleted || gofakeit.Bool() {
		update.Address = &address
	}
	if outcome == network.RequestStatusCompleted {
		txid := txtest.MockTxid()
		update.Txid = &txid
	}
	if inv, err = invitations.ApplyServerStatus(ctx, uow, inv.ID, update); err != nil {
		return err
	}

	switch inv.Status {
	case invitations.StatusCompleted:
		_, err = transactions.MarkBroadcast(ctx, uow, transactions.PendingTxid(ackID),
			*inv.CompletedTxid, inv.FeeAmount, address)
	case invitations.StatusCanceled, invitations.StatusExpired:
		_, err = transactions.MarkFailed(ctx, uow, ackID)
	}
	return err
}

func createTransaction(ctx context.Context, uow db.UnitOfWork, params *chaincfg.Params) error {
	n := transactions.NewTransaction{
		Txid:               txtest.MockTxid(),
		Network:            transactions.NetworkOnChain,
		Amount:             txtest.MockAmount(1000, 10000000),
		Fee:                txtest.MockAmount(200, 10000),
		DestinationAddress: txtest.MockAddress(params).EncodeAddress(),
		IsSentToSelf:       rand.Intn(10) == 0,
		Memo:               memo(),
	}
	if gofakeit.Bool() {
		n.Network = transactions.NetworkLightning
		n.Fee = txtest.MockAmount(0, 10)
	}
	tx, err := transactions.Insert(ctx, uow, n)
	if err != nil {
		return err
	}

	if tx.Network == transactions.NetworkOnChain && gofakeit.Bool() {
		minedAt := gofakeit.DateRange(time.Now().Add(-30*24*time.Hour), time.Now())
		_, _, err = transactions.MarkConfirmed(ctx, uow, tx.Txid, 600000+rand.Intn(50000), minedAt)
	}
	return err
}
