package invitations_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/btcsuite/btcutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/dropbit/db"
	"gitlab.com/arcanecrypto/dropbit/models/invitations"
	"gitlab.com/arcanecrypto/dropbit/network"
	"gitlab.com/arcanecrypto/dropbit/payerr"
	"gitlab.com/arcanecrypto/dropbit/testutil"
	"gitlab.com/arcanecrypto/dropbit/testutil/txtest"
)

func genInvitation() invitations.NewInvitation {
	name := gofakeit.Name()
	memo := gofakeit.HipsterSentence(3)
	return invitations.NewInvitation{
		Kind:           invitations.KindOnChain,
		BtcAmount:      txtest.MockAmount(1000, 1000000),
		FeeAmount:      txtest.MockAmount(0, 5000),
		UsdAmountCents: int64(gofakeit.Number(1, 100000)),
		Counterparty: invitations.Counterparty{
			Kind:     invitations.CounterpartyPhone,
			Identity: txtest.MockPhoneNumber(),
			Name:     &name,
		},
		Memo: &memo,
	}
}

func persist(t *testing.T, d *db.DB, n invitations.NewInvitation) invitations.Invitation {
	t.Helper()
	var inv invitations.Invitation
	err := d.WithTx(context.Background(), func(uow db.UnitOfWork) error {
		var err error
		inv, err = invitations.PersistUnacknowledged(context.Background(), uow, n, uuid.New().String())
		return err
	})
	require.NoError(t, err)
	return inv
}

// apply runs fn in its own unit of work
func apply(t *testing.T, d *db.DB, fn func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error)) (invitations.Invitation, error) {
	t.Helper()
	var inv invitations.Invitation
	err := d.WithTx(context.Background(), func(uow db.UnitOfWork) error {
		var err error
		inv, err = fn(context.Background(), uow)
		return err
	})
	return inv, err
}

func serverResponse() network.WalletAddressRequestResponse {
	return network.WalletAddressRequestResponse{ID: uuid.New().String(), Status: network.RequestStatusNew}
}

func TestPersistUnacknowledged(t *testing.T) {
	t.Parallel()
	d := testutil.InitDatabase(t)
	ctx := context.Background()

	t.Run("inserts a not sent invitation", func(t *testing.T) {
		n := genInvitation()
		inv := persist(t, d, n)

		assert.NotZero(t, inv.ID)
		assert.Equal(t, invitations.StatusNotSent, inv.Status)
		assert.Equal(t, invitations.DirectionOutgoing, inv.Direction)
		assert.Nil(t, inv.ServerRequestID)

		found, err := invitations.GetByID(ctx, d, inv.ID)
		require.NoError(t, err)
		testutil.AssertEqual(t, inv.AcknowledgmentID, found.AcknowledgmentID)
		testutil.AssertEqual(t, n.BtcAmount, found.BtcAmount)
		testutil.AssertEqual(t, n.FeeAmount, found.FeeAmount)
		testutil.AssertEqual(t, n.Counterparty, found.Counterparty)
		assert.Equal(t, inv.CreatedAt.UnixMilli(), found.CreatedAt.UnixMilli())
	})

	t.Run("persisting the same acknowledgment id twice is idempotent", func(t *testing.T) {
		ackID := uuid.New().String()
		var first, second invitations.Invitation
		require.NoError(t, d.WithTx(ctx, func(uow db.UnitOfWork) error {
			var err error
			first, err = invitations.PersistUnacknowledged(ctx, uow, genInvitation(), ackID)
			return err
		}))
		require.NoError(t, d.WithTx(ctx, func(uow db.UnitOfWork) error {
			var err error
			second, err = invitations.PersistUnacknowledged(ctx, uow, genInvitation(), ackID)
			return err
		}))
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("rejects invalid invitations", func(t *testing.T) {
		zeroAmount := genInvitation()
		zeroAmount.BtcAmount = 0
		negativeFee := genInvitation()
		negativeFee.FeeAmount = -1
		noIdentity := genInvitation()
		noIdentity.Counterparty.Identity = " "
		badKind := genInvitation()
		badKind.Kind = "paypal"
		badCounterparty := genInvitation()
		badCounterparty.Counterparty.Kind = "email"

		for _, n := range []invitations.NewInvitation{zeroAmount, negativeFee, noIdentity, badKind, badCounterparty} {
			err := d.WithTx(ctx, func(uow db.UnitOfWork) error {
				_, err := invitations.PersistUnacknowledged(ctx, uow, n, uuid.New().String())
				return err
			})
			testutil.AssertErrorIs(t, err, invitations.ErrInvalidInvitation)
			testutil.AssertErrorClass(t, err, payerr.UserActionable)
		}

		err := d.WithTx(ctx, func(uow db.UnitOfWork) error {
			_, err := invitations.PersistUnacknowledged(ctx, uow, genInvitation(), "")
			return err
		})
		testutil.AssertErrorIs(t, err, invitations.ErrInvalidInvitation)
	})

	t.Run("nothing is persisted if the unit of work is rolled back", func(t *testing.T) {
		ackID := uuid.New().String()
		failure := errors.New("crash")
		err := d.WithTx(ctx, func(uow db.UnitOfWork) error {
			if _, err := invitations.PersistUnacknowledged(ctx, uow, genInvitation(), ackID); err != nil {
				return err
			}
			return failure
		})
		assert.Equal(t, failure, err)

		_, err = invitations.GetByAckID(ctx, d, ackID)
		testutil.AssertErrorIs(t, err, invitations.ErrNotFound)
	})
}

func TestPersistedInvitationSurvivesRestart(t *testing.T) {
	t.Parallel()
	path := testutil.DatabasePath(t)
	first := testutil.OpenDatabase(t, path)
	inv := persist(t, first, genInvitation())
	require.NoError(t, first.Close())

	second := testutil.OpenDatabase(t, path)
	found, err := invitations.GetByAckID(context.Background(), second, inv.AcknowledgmentID)
	require.NoError(t, err)
	assert.Equal(t, invitations.StatusNotSent, found.Status)
}

func TestForwardTransitions(t *testing.T) {
	t.Parallel()
	d := testutil.InitDatabase(t)
	inv := persist(t, d, genInvitation())
	resp := serverResponse()
	address := txtest.MockAddress(txtest.Network).EncodeAddress()
	txid := txtest.MockTxid()

	acked, err := apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
		return invitations.Acknowledge(ctx, uow, inv.ID, resp)
	})
	require.NoError(t, err)
	assert.Equal(t, invitations.StatusRequestSent, acked.Status)
	require.NotNil(t, acked.ServerRequestID)
	assert.Equal(t, resp.ID, *acked.ServerRequestID)

	withAddress, err := apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
		return invitations.RecordAddressProvided(ctx, uow, inv.ID, address)
	})
	require.NoError(t, err)
	assert.Equal(t, invitations.StatusAddressSent, withAddress.Status)

	// acknowledging again is merged as a no-op
	again, err := apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
		return invitations.Acknowledge(ctx, uow, inv.ID, resp)
	})
	require.NoError(t, err)
	assert.Equal(t, invitations.StatusAddressSent, again.Status)

	completed, err := apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
		return invitations.Complete(ctx, uow, inv.ID, txid)
	})
	require.NoError(t, err)
	assert.Equal(t, invitations.StatusCompleted, completed.Status)

	// a late address doesn't move a completed invitation backwards
	late, err := apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
		return invitations.RecordAddressProvided(ctx, uow, inv.ID, address)
	})
	require.NoError(t, err)
	assert.Equal(t, invitations.StatusCompleted, late.Status)

	byServerID, err := invitations.GetByServerRequestID(context.Background(), d, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, byServerID.ID)
}

func TestAcknowledgeWithDifferentServerID(t *testing.T) {
	t.Parallel()
	d := testutil.InitDatabase(t)
	inv := persist(t, d, genInvitation())

	_, err := apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
		return invitations.Acknowledge(ctx, uow, inv.ID, serverResponse())
	})
	require.NoError(t, err)

	_, err = apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
		return invitations.Acknowledge(ctx, uow, inv.ID, serverResponse())
	})
	testutil.AssertErrorIs(t, err, invitations.ErrServerIDMismatch)
	testutil.AssertErrorClass(t, err, payerr.DataCorruption)
}

func TestCompleteIsIdempotent(t *testing.T) {
	t.Parallel()
	d := testutil.InitDatabase(t)
	inv := persist(t, d, genInvitation())
	txid := txtest.MockTxid()

	complete := func(txid string) (invitations.Invitation, error) {
		return apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
			return invitations.Complete(ctx, uow, inv.ID, txid)
		})
	}

	// not sent straight to completed is accepted
	first, err := complete(txid)
	require.NoError(t, err)
	assert.Equal(t, invitations.StatusCompleted, first.Status)

	second, err := complete(txid)
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt, "no-op must not write")

	_, err = complete(txtest.MockTxid())
	testutil.AssertErrorIs(t, err, invitations.ErrTxidMismatch)
	testutil.AssertErrorClass(t, err, payerr.DataCorruption)

	found, err := invitations.GetByID(context.Background(), d, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, found.CompletedTxid)
	assert.Equal(t, txid, *found.CompletedTxid, "mismatching txid must not overwrite")
}

func TestFinishedInvitationsAreNotCompleted(t *testing.T) {
	t.Parallel()
	d := testutil.InitDatabase(t)

	finish := map[invitations.Status]func(context.Context, db.ReadWriter, int64) (invitations.Invitation, error){
		invitations.StatusCanceled: invitations.Cancel,
		invitations.StatusExpired:  invitations.Expire,
	}
	for status, fn := range finish {
		inv := persist(t, d, genInvitation())
		finished, err := apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
			return fn(ctx, uow, inv.ID)
		})
		require.NoError(t, err)
		require.Equal(t, status, finished.Status)

		after, err := apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
			return invitations.Complete(ctx, uow, inv.ID, txtest.MockTxid())
		})
		require.NoError(t, err, "completing a %s invitation is a no-op", status)
		assert.Equal(t, status, after.Status)
		assert.Nil(t, after.CompletedTxid)
		assert.Equal(t, finished.UpdatedAt, after.UpdatedAt, "no-op must not write")
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	d := testutil.InitDatabase(t)
	cancel := func(id int64) (invitations.Invitation, error) {
		return apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
			return invitations.Cancel(ctx, uow, id)
		})
	}

	t.Run("from every open status", func(t *testing.T) {
		notSent := persist(t, d, genInvitation())

		requestSent := persist(t, d, genInvitation())
		_, err := apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
			return invitations.Acknowledge(ctx, uow, requestSent.ID, serverResponse())
		})
		require.NoError(t, err)

		addressSent := persist(t, d, genInvitation())
		_, err = apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
			return invitations.RecordAddressProvided(ctx, uow, addressSent.ID,
				txtest.MockAddress(txtest.Network).EncodeAddress())
		})
		require.NoError(t, err)

		for _, inv := range []invitations.Invitation{notSent, requestSent, addressSent} {
			canceled, err := cancel(inv.ID)
			require.NoError(t, err)
			assert.Equal(t, invitations.StatusCanceled, canceled.Status)
			assert.NotNil(t, canceled.CanceledAt)
		}
	})

	t.Run("not from terminal statuses", func(t *testing.T) {
		inv := persist(t, d, genInvitation())
		_, err := cancel(inv.ID)
		require.NoError(t, err)

		_, err = cancel(inv.ID)
		testutil.AssertErrorIs(t, err, invitations.ErrAlreadyTerminal)

		completed := persist(t, d, genInvitation())
		_, err = apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
			return invitations.Complete(ctx, uow, completed.ID, txtest.MockTxid())
		})
		require.NoError(t, err)
		_, err = cancel(completed.ID)
		testutil.AssertErrorIs(t, err, invitations.ErrAlreadyTerminal)
	})

	t.Run("not incoming invitations", func(t *testing.T) {
		n := genInvitation()
		n.Direction = invitations.DirectionIncoming
		inv := persist(t, d, n)
		_, err := cancel(inv.ID)
		testutil.AssertErrorIs(t, err, invitations.ErrNotCancelable)
	})

	t.Run("unknown invitation", func(t *testing.T) {
		_, err := cancel(987654)
		testutil.AssertErrorIs(t, err, invitations.ErrNotFound)
	})
}

func TestExpireAndManualShare(t *testing.T) {
	t.Parallel()
	d := testutil.InitDatabase(t)
	inv := persist(t, d, genInvitation())

	shared, err := apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
		return invitations.MarkManualShare(ctx, uow, inv.ID)
	})
	require.NoError(t, err)
	assert.True(t, shared.ManualShareRequired)

	expired, err := apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
		return invitations.Expire(ctx, uow, inv.ID)
	})
	require.NoError(t, err)
	assert.Equal(t, invitations.StatusExpired, expired.Status)
	assert.NotNil(t, expired.ExpiredAt)
	assert.True(t, expired.ManualShareRequired)

	// expiring twice is a no-op
	again, err := apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
		return invitations.Expire(ctx, uow, inv.ID)
	})
	require.NoError(t, err)
	assert.Equal(t, expired.UpdatedAt, again.UpdatedAt)
}

func TestListing(t *testing.T) {
	t.Parallel()
	d := testutil.InitDatabase(t)
	ctx := context.Background()

	stale := persist(t, d, genInvitation())
	acked := persist(t, d, genInvitation())
	_, err := apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
		return invitations.Acknowledge(ctx, uow, acked.ID, serverResponse())
	})
	require.NoError(t, err)
	done := persist(t, d, genInvitation())
	_, err = apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
		return invitations.Complete(ctx, uow, done.ID, txtest.MockTxid())
	})
	require.NoError(t, err)

	unacked, err := invitations.ListUnacknowledged(ctx, d, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, unacked, 1)
	assert.Equal(t, stale.ID, unacked[0].ID)

	none, err := invitations.ListUnacknowledged(ctx, d, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)

	open, err := invitations.ListOpen(ctx, d)
	require.NoError(t, err)
	var ids []int64
	for _, inv := range open {
		ids = append(ids, inv.ID)
	}
	assert.Equal(t, []int64{stale.ID, acked.ID}, ids)

	all, err := invitations.ListAll(ctx, d)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestApplyServerStatus(t *testing.T) {
	t.Parallel()
	d := testutil.InitDatabase(t)
	applyUpdate := func(id int64, update invitations.ServerUpdate) (invitations.Invitation, error) {
		return apply(t, d, func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
			return invitations.ApplyServerStatus(ctx, uow, id, update)
		})
	}

	t.Run("walks an unacknowledged invitation to completion", func(t *testing.T) {
		inv := persist(t, d, genInvitation())
		serverID := uuid.New().String()
		address := txtest.MockAddress(txtest.Network).EncodeAddress()
		txid := txtest.MockTxid()

		acked, err := applyUpdate(inv.ID, invitations.ServerUpdate{
			Status: network.RequestStatusNew, ServerID: serverID,
		})
		require.NoError(t, err)
		assert.Equal(t, invitations.StatusRequestSent, acked.Status)
		assert.True(t, invitations.Changed(inv, acked))

		withAddress, err := applyUpdate(inv.ID, invitations.ServerUpdate{
			Status: network.RequestStatusNew, ServerID: serverID, Address: &address,
		})
		require.NoError(t, err)
		assert.Equal(t, invitations.StatusAddressSent, withAddress.Status)

		completed, err := applyUpdate(inv.ID, invitations.ServerUpdate{
			Status: network.RequestStatusCompleted, ServerID: serverID, Address: &address, Txid: &txid,
		})
		require.NoError(t, err)
		assert.Equal(t, invitations.StatusCompleted, completed.Status)

		// applying the same truth again changes nothing
		again, err := applyUpdate(inv.ID, invitations.ServerUpdate{
			Status: network.RequestStatusCompleted, ServerID: serverID, Address: &address, Txid: &txid,
		})
		require.NoError(t, err)
		assert.False(t, invitations.Changed(completed, again))
	})

	t.Run("completed without txid waits", func(t *testing.T) {
		inv := persist(t, d, genInvitation())
		updated, err := applyUpdate(inv.ID, invitations.ServerUpdate{
			Status: network.RequestStatusCompleted, ServerID: uuid.New().String(),
		})
		require.NoError(t, err)
		assert.Equal(t, invitations.StatusRequestSent, updated.Status)
	})

	t.Run("canceled and expired", func(t *testing.T) {
		canceled := persist(t, d, genInvitation())
		updated, err := applyUpdate(canceled.ID, invitations.ServerUpdate{
			Status: network.RequestStatusCanceled, ServerID: uuid.New().String(),
		})
		require.NoError(t, err)
		assert.Equal(t, invitations.StatusCanceled, updated.Status)

		expired := persist(t, d, genInvitation())
		updated, err = applyUpdate(expired.ID, invitations.ServerUpdate{
			Status: network.RequestStatusExpired, ServerID: uuid.New().String(),
		})
		require.NoError(t, err)
		assert.Equal(t, invitations.StatusExpired, updated.Status)
	})
}

func TestStatusNeverMovesBackwards(t *testing.T) {
	t.Parallel()
	d := testutil.InitDatabase(t)
	gofakeit.Seed(7)

	rank := map[invitations.Status]int{
		invitations.StatusNotSent:     0,
		invitations.StatusRequestSent: 1,
		invitations.StatusAddressSent: 2,
		invitations.StatusCompleted:   3,
		invitations.StatusCanceled:    3,
		invitations.StatusExpired:     3,
	}

	for i := 0; i < 20; i++ {
		inv := persist(t, d, genInvitation())
		serverID := uuid.New().String()
		address := txtest.MockAddress(txtest.Network).EncodeAddress()
		txid := txtest.MockTxid()

		ops := []func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error){
			func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
				return invitations.Acknowledge(ctx, uow, inv.ID, network.WalletAddressRequestResponse{ID: serverID})
			},
			func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
				return invitations.RecordAddressProvided(ctx, uow, inv.ID, address)
			},
			func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
				return invitations.Complete(ctx, uow, inv.ID, txid)
			},
			func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
				return invitations.Cancel(ctx, uow, inv.ID)
			},
			func(ctx context.Context, uow db.UnitOfWork) (invitations.Invitation, error) {
				return invitations.Expire(ctx, uow, inv.ID)
			},
		}

		current := inv.Status
		for j := 0; j < 10; j++ {
			op := ops[gofakeit.Number(0, len(ops)-1)]
			_, _ = apply(t, d, op)

			found, err := invitations.GetByID(context.Background(), d, inv.ID)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, rank[found.Status], rank[current],
				"status moved from %s to %s", current, found.Status)
			if current.IsTerminal() {
				assert.Equal(t, current, found.Status, "terminal statuses never change")
			}
			current = found.Status
		}
	}
}

func TestAmountsKeepSatoshiPrecision(t *testing.T) {
	t.Parallel()
	d := testutil.InitDatabase(t)
	n := genInvitation()
	n.BtcAmount = btcutil.Amount(2100000000000000)
	inv := persist(t, d, n)

	found, err := invitations.GetByID(context.Background(), d, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, n.BtcAmount, found.BtcAmount)
}
