package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/dropbit/db"
	"gitlab.com/arcanecrypto/dropbit/models/invitations"
	"gitlab.com/arcanecrypto/dropbit/models/transactions"
	"gitlab.com/arcanecrypto/dropbit/payerr"
	"gitlab.com/arcanecrypto/dropbit/settlement"
	"gitlab.com/arcanecrypto/dropbit/testutil"
	"gitlab.com/arcanecrypto/dropbit/testutil/mock"
	"gitlab.com/arcanecrypto/dropbit/testutil/txtest"
)

// fiftyDollars is a $50 on-chain invitation to a phone number
func fiftyDollars() settlement.OutgoingTransactionData {
	return settlement.OutgoingTransactionData{
		AcknowledgmentID: uuid.New().String(),
		Amount:           btcutil.Amount(500000),
		Fee:              btcutil.Amount(1410),
		UsdAmountCents:   5000,
		Memo:             "for the concert tickets",
		Receiver: &invitations.Counterparty{
			Kind:     invitations.CounterpartyPhone,
			Identity: txtest.MockPhoneNumber(),
		},
	}
}

// provideAddress simulates the receiver providing an address, and merges it
// into the ledger
func provideAddress(t *testing.T, h *harness, inv invitations.Invitation, address string) invitations.Invitation {
	t.Helper()
	h.server.ProvideAddress(inv.AcknowledgmentID, address, nil)
	resp, ok := h.server.Request(inv.AcknowledgmentID)
	require.True(t, ok)

	err := h.db.WithTx(context.Background(), func(uow db.UnitOfWork) error {
		var err error
		inv, err = invitations.ApplyServerStatus(context.Background(), uow, inv.ID,
			invitations.UpdateFromResponse(resp))
		return err
	})
	require.NoError(t, err)
	require.Equal(t, invitations.StatusAddressSent, inv.Status)
	return inv
}

func TestSendInvitation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	data := fiftyDollars()

	inv, err := h.coord.SendInvitation(ctx, invitations.KindOnChain, data)
	require.NoError(t, err)
	testutil.AssertEqual(t, invitations.StatusRequestSent, inv.Status)
	require.NotNil(t, inv.ServerRequestID)
	assert.False(t, inv.ManualShareRequired)

	resp, ok := h.server.Request(data.AcknowledgmentID)
	require.True(t, ok)
	testutil.AssertEqual(t, resp.ID, *inv.ServerRequestID)
	testutil.AssertEqual(t, int64(500000), resp.Metadata.Amount.Btc)
	testutil.AssertEqual(t, int64(5000), resp.Metadata.Amount.Usd)

	pending, err := transactions.GetByInvitationID(ctx, h.db, inv.ID)
	require.NoError(t, err)
	testutil.AssertEqual(t, transactions.PendingTxid(data.AcknowledgmentID), pending.Txid)
	assert.Equal(t, []settlement.EventKind{settlement.EventInvitationSent}, h.recorder.Kinds())

	t.Run("sending again does not create another request", func(t *testing.T) {
		again, err := h.coord.SendInvitation(ctx, invitations.KindOnChain, data)
		require.NoError(t, err)
		testutil.AssertEqual(t, inv.ID, again.ID)
		testutil.AssertEqual(t, 1, h.server.CreateCalls())
		testutil.AssertEqual(t, 1, h.server.CreatedRequests())
	})
}

func TestInvitationIsPersistedBeforeTheServerIsCalled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	data := fiftyDollars()

	var seen invitations.Invitation
	var seenErr error
	h.server.Configure(func(s *mock.Server) {
		s.BeforeCreate = func() {
			seen, seenErr = invitations.GetByAckID(context.Background(), h.db, data.AcknowledgmentID)
		}
	})

	_, err := h.coord.SendInvitation(context.Background(), invitations.KindOnChain, data)
	require.NoError(t, err)
	require.NoError(t, seenErr, "invitation must be committed before the create call")
	testutil.AssertEqual(t, invitations.StatusNotSent, seen.Status)
	assert.Nil(t, seen.ServerRequestID)
}

func TestOnChainInvitationsNeedAFee(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	data := fiftyDollars()
	data.Fee = 0

	_, err := h.coord.SendInvitation(context.Background(), invitations.KindOnChain, data)
	testutil.AssertErrorIs(t, err, settlement.ErrInsufficientFee)
	testutil.AssertEqual(t, 0, h.server.CreateCalls())

	all, err := invitations.ListAll(context.Background(), h.db)
	require.NoError(t, err)
	assert.Empty(t, all)
}

// persist, crash before the network call, restart, resume
func TestResumeAfterCrash(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	data := fiftyDollars()

	// the create call never reaches the server
	h.server.Configure(func(s *mock.Server) {
		s.CreateErr = payerr.Transient("create address request", errors.New("network is unreachable"))
	})
	_, err := h.coord.SendInvitation(ctx, invitations.KindOnChain, data)
	testutil.AssertErrorClass(t, err, payerr.TransientNetwork)
	testutil.AssertEqual(t, 0, h.server.CreatedRequests())

	h.restart(t)
	h.server.Configure(func(s *mock.Server) { s.CreateErr = nil })

	stale, err := invitations.ListUnacknowledged(ctx, h.db, time.Now())
	require.NoError(t, err)
	require.Len(t, stale, 1)
	testutil.AssertEqual(t, data.AcknowledgmentID, stale[0].AcknowledgmentID)
	testutil.AssertEqual(t, int64(5000), stale[0].UsdAmountCents)

	inv, err := h.coord.Resume(ctx, data.AcknowledgmentID)
	require.NoError(t, err)
	testutil.AssertEqual(t, invitations.StatusRequestSent, inv.Status)
	testutil.AssertEqual(t, 1, h.server.CreatedRequests())
	assert.Equal(t, []settlement.EventKind{settlement.EventInvitationSent}, h.recorder.Kinds())

	t.Run("resuming an acknowledged invitation does nothing", func(t *testing.T) {
		again, err := h.coord.Resume(ctx, data.AcknowledgmentID)
		require.NoError(t, err)
		testutil.AssertEqual(t, inv.ID, again.ID)
		testutil.AssertEqual(t, 2, h.server.CreateCalls())
	})
}

// the server created the request, but the answer was lost
func TestResumeDoesNotDuplicateCreatedRequests(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	data := fiftyDollars()

	h.conf.NetworkTimeout = 20 * time.Millisecond
	h.restart(t)
	h.server.Configure(func(s *mock.Server) { s.CreateDelay = time.Second })
	_, err := h.coord.SendInvitation(ctx, invitations.KindOnChain, data)
	testutil.AssertErrorClass(t, err, payerr.TransientNetwork)

	inv, err := invitations.GetByAckID(ctx, h.db, data.AcknowledgmentID)
	require.NoError(t, err)
	testutil.AssertEqual(t, invitations.StatusNotSent, inv.Status, "timeouts leave the last durable state")

	h.server.Configure(func(s *mock.Server) {
		s.CreateDelay = 0
		s.CreateErr = payerr.Transient("create address request", errors.New("connection reset"))
		s.CreateErrAfterRecording = true
	})
	_, err = h.coord.Resume(ctx, data.AcknowledgmentID)
	testutil.AssertErrorClass(t, err, payerr.TransientNetwork)

	h.server.Configure(func(s *mock.Server) { s.CreateErr = nil })
	inv, err = h.coord.Resume(ctx, data.AcknowledgmentID)
	require.NoError(t, err)

	testutil.AssertEqual(t, 3, h.server.CreateCalls())
	testutil.AssertEqual(t, 1, h.server.CreatedRequests())
	resp, _ := h.server.Request(data.AcknowledgmentID)
	testutil.AssertEqual(t, resp.ID, *inv.ServerRequestID)
}

func TestConcurrentDuplicatesAreCoalesced(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.server.Configure(func(s *mock.Server) { s.CreateDelay = 50 * time.Millisecond })
	data := fiftyDollars()

	const attempts = 8
	ids := make([]int64, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inv, err := h.coord.SendInvitation(context.Background(), invitations.KindOnChain, data)
			ids[i], errs[i] = inv.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < attempts; i++ {
		require.NoError(t, errs[i])
		testutil.AssertEqual(t, ids[0], ids[i])
	}
	testutil.AssertEqual(t, 1, h.server.CreatedRequests())
	all, err := invitations.ListAll(context.Background(), h.db)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCoalescedCallerOutlivesFirstCallerCanceling(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	data := fiftyDollars()

	unlock, err := h.coord.Locks().Lock(context.Background(), data.AcknowledgmentID)
	require.NoError(t, err)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := h.coord.SendInvitation(firstCtx, invitations.KindOnChain, data)
		first <- err
	}()
	time.Sleep(20 * time.Millisecond)

	type result struct {
		inv invitations.Invitation
		err error
	}
	second := make(chan result, 1)
	go func() {
		inv, err := h.coord.SendInvitation(context.Background(), invitations.KindOnChain, data)
		second <- result{inv, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	testutil.AssertErrorClass(t, <-first, payerr.TransientNetwork)
	unlock()

	res := <-second
	require.NoError(t, res.err)
	testutil.AssertEqual(t, invitations.StatusRequestSent, res.inv.Status)
	testutil.AssertEqual(t, 1, h.server.CreatedRequests())
}

// the SMS can't be delivered, but the server created the request
func TestUndeliveredInvitationNeedsManualShare(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.server.Configure(func(s *mock.Server) { s.FailDelivery = true })

	inv, err := h.coord.SendInvitation(context.Background(), invitations.KindOnChain, fiftyDollars())
	require.NoError(t, err, "a delivery failure is not an error")
	testutil.AssertEqual(t, invitations.StatusRequestSent, inv.Status)
	assert.True(t, inv.ManualShareRequired)
	require.NotNil(t, inv.ServerRequestID)

	events := h.recorder.Events()
	require.Len(t, events, 1)
	testutil.AssertEqual(t, settlement.EventManualShareRequired, events[0].Kind)
	testutil.AssertEqual(t, inv.ID, *events[0].InvitationID)
}

func TestRejectedInvitationIsCanceled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.server.Configure(func(s *mock.Server) {
		s.CreateErr = payerr.Wrap(payerr.UserActionable, "create address request",
			errors.New("receiver can't be invited"))
	})
	data := fiftyDollars()

	inv, err := h.coord.SendInvitation(ctx, invitations.KindOnChain, data)
	testutil.AssertErrorClass(t, err, payerr.UserActionable)
	testutil.AssertEqual(t, invitations.StatusCanceled, inv.Status)

	_, err = transactions.GetByTxid(ctx, h.db, transactions.FailedTxid(data.AcknowledgmentID))
	require.NoError(t, err)

	stale, err := invitations.ListUnacknowledged(ctx, h.db, time.Now())
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestLightningInvitationIsPreauthorized(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	data := fiftyDollars()
	data.Fee = 0

	inv, err := h.coord.SendInvitation(context.Background(), invitations.KindLightning, data)
	require.NoError(t, err)
	testutil.AssertEqual(t, 1, h.server.PreauthCalls())
	require.NotNil(t, inv.PreauthID)
	testutil.AssertEqual(t, "preauth-"+data.AcknowledgmentID, *inv.PreauthID)

	resp, _ := h.server.Request(data.AcknowledgmentID)
	require.NotNil(t, resp.Metadata.PreauthID)
	testutil.AssertEqual(t, *inv.PreauthID, *resp.Metadata.PreauthID)

	t.Run("a failed preauthorization leaves the invitation unsent", func(t *testing.T) {
		h.server.Configure(func(s *mock.Server) {
			s.PreauthErr = payerr.Transient("preauthorize", errors.New("timeout"))
		})
		data := fiftyDollars()
		_, err := h.coord.SendInvitation(context.Background(), invitations.KindLightning, data)
		testutil.AssertErrorClass(t, err, payerr.TransientNetwork)

		inv, err := invitations.GetByAckID(context.Background(), h.db, data.AcknowledgmentID)
		require.NoError(t, err)
		testutil.AssertEqual(t, invitations.StatusNotSent, inv.Status)
		testutil.AssertEqual(t, 1, h.server.CreatedRequests())
	})
}

func TestCancelInvitation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	data := fiftyDollars()

	inv, err := h.coord.SendInvitation(ctx, invitations.KindOnChain, data)
	require.NoError(t, err)

	canceled, err := h.coord.CancelInvitation(ctx, inv.ID)
	require.NoError(t, err)
	testutil.AssertEqual(t, invitations.StatusCanceled, canceled.Status)
	_, err = transactions.GetByTxid(ctx, h.db, transactions.FailedTxid(data.AcknowledgmentID))
	require.NoError(t, err)

	_, err = h.coord.CancelInvitation(ctx, inv.ID)
	testutil.AssertErrorIs(t, err, invitations.ErrAlreadyTerminal)
}

func TestCancelQueuesBehindInFlightSend(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	data := fiftyDollars()

	calling := make(chan struct{})
	var once sync.Once
	h.server.Configure(func(s *mock.Server) {
		s.CreateDelay = 100 * time.Millisecond
		s.BeforeCreate = func() { once.Do(func() { close(calling) }) }
	})

	sent := make(chan error, 1)
	go func() {
		_, err := h.coord.SendInvitation(ctx, invitations.KindOnChain, data)
		sent <- err
	}()
	<-calling

	inv, err := invitations.GetByAckID(ctx, h.db, data.AcknowledgmentID)
	require.NoError(t, err)
	canceled, err := h.coord.CancelInvitation(ctx, inv.ID)
	require.NoError(t, err)
	require.NoError(t, <-sent)

	// the acknowledgment landed before the cancel
	require.NotNil(t, canceled.ServerRequestID)
	testutil.AssertEqual(t, invitations.StatusCanceled, canceled.Status)
	assert.Equal(t, []settlement.EventKind{
		settlement.EventInvitationSent,
		settlement.EventInvitationCanceled,
	}, h.recorder.Kinds())
}

// a payment for an invitation never joins a resend of it, and the other
// way around
func TestFulfillAndResumeAreNotCoalesced(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("fulfilling while resuming", func(t *testing.T) {
		h := newHarness(t)
		data := fiftyDollars()
		h.server.Configure(func(s *mock.Server) {
			s.CreateErr = payerr.Transient("create address request", errors.New("network is unreachable"))
		})
		_, err := h.coord.SendInvitation(ctx, invitations.KindOnChain, data)
		testutil.AssertErrorClass(t, err, payerr.TransientNetwork)
		inv, err := invitations.GetByAckID(ctx, h.db, data.AcknowledgmentID)
		require.NoError(t, err)

		calling := make(chan struct{})
		var once sync.Once
		h.server.Configure(func(s *mock.Server) {
			s.CreateErr = nil
			s.CreateDelay = 100 * time.Millisecond
			s.BeforeCreate = func() { once.Do(func() { close(calling) }) }
		})
		resumed := make(chan error, 1)
		go func() {
			_, err := h.coord.Resume(ctx, data.AcknowledgmentID)
			resumed <- err
		}()
		<-calling

		_, err = h.coord.FulfillInvitation(ctx, settlement.FulfillRequest{InvitationID: inv.ID, FeeRate: 10})
		testutil.AssertErrorIs(t, err, settlement.ErrNotFulfillable)
		require.NoError(t, <-resumed)
		testutil.AssertEqual(t, 0, h.server.BroadcastCalls())

		resent, err := invitations.GetByID(ctx, h.db, inv.ID)
		require.NoError(t, err)
		testutil.AssertEqual(t, invitations.StatusRequestSent, resent.Status)
	})

	t.Run("resuming while fulfilling", func(t *testing.T) {
		h := newHarness(t)
		data := fiftyDollars()
		inv, err := h.coord.SendInvitation(ctx, invitations.KindOnChain, data)
		require.NoError(t, err)
		inv = provideAddress(t, h, inv, txtest.MockAddress(txtest.Network).EncodeAddress())
		h.server.Configure(func(s *mock.Server) { s.PayloadDelay = 200 * time.Millisecond })

		paid := make(chan error, 1)
		go func() {
			_, err := h.coord.FulfillInvitation(ctx, settlement.FulfillRequest{InvitationID: inv.ID, FeeRate: 10})
			paid <- err
		}()
		require.Eventually(t, func() bool { return h.server.BroadcastCalls() == 1 },
			time.Second, 5*time.Millisecond)

		resumed, err := h.coord.Resume(ctx, data.AcknowledgmentID)
		require.NoError(t, err)
		require.NoError(t, <-paid)
		testutil.AssertEqual(t, inv.ID, resumed.ID)
		testutil.AssertEqual(t, invitations.StatusCompleted, resumed.Status)
		testutil.AssertEqual(t, 1, h.server.CreateCalls())
	})
}

func TestFulfillOnChainInvitation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	data := fiftyDollars()

	inv, err := h.coord.SendInvitation(ctx, invitations.KindOnChain, data)
	require.NoError(t, err)

	req := settlement.FulfillRequest{InvitationID: inv.ID, FeeRate: 10}
	_, err = h.coord.FulfillInvitation(ctx, req)
	testutil.AssertErrorIs(t, err, settlement.ErrNotFulfillable, "no address yet")

	address := txtest.MockAddress(txtest.Network).EncodeAddress()
	provideAddress(t, h, inv, address)

	tx, err := h.coord.FulfillInvitation(ctx, req)
	require.NoError(t, err)
	assert.False(t, tx.IsPending())
	testutil.AssertEqual(t, address, tx.DestinationAddress)
	testutil.AssertEqual(t, data.Amount, tx.AmountSat)
	testutil.AssertEqual(t, btcutil.Amount(1410), tx.FeeSat)
	require.NotNil(t, tx.InvitationID)
	testutil.AssertEqual(t, inv.ID, *tx.InvitationID)

	completed, err := invitations.GetByID(ctx, h.db, inv.ID)
	require.NoError(t, err)
	testutil.AssertEqual(t, invitations.StatusCompleted, completed.Status)
	testutil.AssertEqual(t, tx.Txid, *completed.CompletedTxid)

	all, err := transactions.ListAll(ctx, h.db)
	require.NoError(t, err)
	require.Len(t, all, 1, "the placeholder is updated in place")

	t.Run("fulfilling again returns the same payment", func(t *testing.T) {
		again, err := h.coord.FulfillInvitation(ctx, req)
		require.NoError(t, err)
		testutil.AssertEqual(t, tx.ID, again.ID)
		testutil.AssertEqual(t, 1, h.server.BroadcastCalls())
	})
}

func TestFulfillLightningInvitation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	data := fiftyDollars()
	data.Amount = 20000

	inv, err := h.coord.SendInvitation(ctx, invitations.KindLightning, data)
	require.NoError(t, err)

	invoice, hash := txtest.MockPaymentRequest(txtest.Network, txtest.InvoiceArgs{Amount: 20000})
	provideAddress(t, h, inv, invoice)

	tx, err := h.coord.FulfillInvitation(ctx, settlement.FulfillRequest{InvitationID: inv.ID})
	require.NoError(t, err)
	testutil.AssertEqual(t, hash, tx.Txid)
	testutil.AssertEqual(t, transactions.NetworkLightning, tx.Network)
	testutil.AssertEqual(t, 1, h.server.LightningCalls())

	completed, err := invitations.GetByID(ctx, h.db, inv.ID)
	require.NoError(t, err)
	testutil.AssertEqual(t, invitations.StatusCompleted, completed.Status)
	assert.Contains(t, h.recorder.Kinds(), settlement.EventPaymentCompleted)
}
