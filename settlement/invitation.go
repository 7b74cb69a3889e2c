package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/dropbit/db"
	"gitlab.com/arcanecrypto/dropbit/fees"
	"gitlab.com/arcanecrypto/dropbit/models/invitations"
	"gitlab.com/arcanecrypto/dropbit/models/transactions"
	"gitlab.com/arcanecrypto/dropbit/network"
	"gitlab.com/arcanecrypto/dropbit/payerr"
)

// SendInvitation sends an invitation to data.Receiver. The invitation is
// committed as not sent before the server is called, so a crash at any
// point leaves something reconciliation can resume. Calling it again with
// the same acknowledgment id never creates a second invitation.
func (c *Coordinator) SendInvitation(ctx context.Context, kind invitations.Kind,
	data OutgoingTransactionData) (inv invitations.Invitation, err error) {
	start := time.Now()
	defer func() { c.observe("invitation", start, err) }()

	if err := data.validate(c.validate); err != nil {
		return invitations.Invitation{}, err
	}
	if data.Receiver == nil {
		return invitations.Invitation{}, errors.Wrap(ErrInvalidRequest, "invitations need a receiver")
	}
	if kind == invitations.KindOnChain && data.Fee <= 0 {
		return invitations.Invitation{}, ErrInsufficientFee
	}
	if data.AcknowledgmentID == "" {
		data.AcknowledgmentID = uuid.New().String()
	}

	res, err := c.exclusive(ctx, opSend, data.AcknowledgmentID, func(ctx context.Context) (interface{}, error) {
		inv, err := c.persistInvitation(ctx, kind, data)
		if err != nil {
			return nil, err
		}
		if inv.Status != invitations.StatusNotSent {
			log.WithField("id", inv.ID).Info("Invitation was already sent")
			return inv, nil
		}
		return c.deliver(ctx, inv)
	})
	return asInvitation(res, err)
}

// asInvitation unpacks a coalesced result. Failed steps still return the
// invitation as it was left.
func asInvitation(res interface{}, err error) (invitations.Invitation, error) {
	inv, ok := res.(invitations.Invitation)
	if !ok && res != nil {
		return invitations.Invitation{}, errors.Errorf("unexpected invitation result %T", res)
	}
	return inv, err
}

// persistInvitation commits the invitation and its placeholder transaction
func (c *Coordinator) persistInvitation(ctx context.Context, kind invitations.Kind,
	data OutgoingTransactionData) (invitations.Invitation, error) {
	txNetwork := transactions.NetworkOnChain
	if kind == invitations.KindLightning {
		txNetwork = transactions.NetworkLightning
	}

	var inv invitations.Invitation
	err := c.db.WithTx(ctx, func(uow db.UnitOfWork) error {
		var err error
		inv, err = invitations.PersistUnacknowledged(ctx, uow, invitations.NewInvitation{
			Kind:           kind,
			Direction:      invitations.DirectionOutgoing,
			BtcAmount:      data.Amount,
			FeeAmount:      data.Fee,
			UsdAmountCents: data.UsdAmountCents,
			Counterparty:   *data.Receiver,
			Memo:           data.memo(),
		}, data.AcknowledgmentID)
		if err != nil {
			return err
		}
		_, err = transactions.Insert(ctx, uow, transactions.NewTransaction{
			Txid:         transactions.PendingTxid(data.AcknowledgmentID),
			Network:      txNetwork,
			Amount:       data.Amount,
			Fee:          data.Fee,
			InvitationID: &inv.ID,
			Memo:         data.memo(),
		})
		return err
	})
	if err != nil {
		return invitations.Invitation{}, errors.Wrap(err, "persist invitation")
	}
	return inv, nil
}

// Resume re-drives an invitation the server never acknowledged. Invitations
// past not sent are returned as they are.
func (c *Coordinator) Resume(ctx context.Context, ackID string) (inv invitations.Invitation, err error) {
	start := time.Now()
	defer func() { c.observe("resume", start, err) }()

	res, err := c.exclusive(ctx, opSend, ackID, func(ctx context.Context) (interface{}, error) {
		inv, err := invitations.GetByAckID(ctx, c.db, ackID)
		if err != nil {
			return nil, err
		}
		if inv.Status != invitations.StatusNotSent {
			return inv, nil
		}
		log.WithFields(logrus.Fields{
			"id":               inv.ID,
			"acknowledgmentId": ackID,
		}).Info("Resuming unacknowledged invitation")
		return c.deliver(ctx, inv)
	})
	return asInvitation(res, err)
}

// deliver asks the server to create the address request for a not sent
// invitation, and records the answer. Must hold the invitation's lock.
func (c *Coordinator) deliver(ctx context.Context, inv invitations.Invitation) (invitations.Invitation, error) {
	logger := log.WithFields(logrus.Fields{
		"id":               inv.ID,
		"acknowledgmentId": inv.AcknowledgmentID,
		"kind":             inv.Kind,
	})

	body := network.WalletAddressRequestBody{
		Amount:      network.NewRequestAmount(inv.BtcAmount, inv.UsdAmountCents),
		Receiver:    inv.Counterparty.NetworkIdentity(),
		Sender:      c.conf.Sender,
		RequestID:   inv.AcknowledgmentID,
		AddressType: network.AddressTypeBTC,
		PreauthID:   inv.PreauthID,
	}

	switch inv.Kind {
	case invitations.KindOnChain:
		if inv.FeeAmount <= 0 {
			logger.Error("Refusing to send an on-chain invitation without a fee")
			return inv, ErrInsufficientFee
		}
	case invitations.KindLightning:
		body.AddressType = network.AddressTypeLightning
		if body.PreauthID == nil {
			var preauth network.PreauthResponse
			err := c.call(ctx, "preauthorize", func(ctx context.Context) error {
				var err error
				preauth, err = c.client.PreauthorizeLightningPayment(ctx, network.PreauthRequest{
					Amount:    int64(inv.BtcAmount),
					RequestID: inv.AcknowledgmentID,
				})
				return err
			})
			if err != nil {
				return inv, errors.Wrap(err, "preauthorize lightning invitation")
			}
			body.PreauthID = &preauth.ID
		}
	}

	var resp network.WalletAddressRequestResponse
	err := c.call(ctx, "create_address_request", func(ctx context.Context) error {
		var err error
		resp, err = c.client.CreateAddressRequest(ctx, body)
		return err
	})
	if delivery, ok := network.AsDeliveryFailed(err); ok {
		return c.acknowledgeUndelivered(ctx, inv, delivery)
	}
	switch {
	case err == nil:
	case payerr.IsTransient(err):
		logger.WithError(err).Warn("Server did not answer, invitation is left as not sent")
		return inv, errors.Wrap(err, "create address request")
	case payerr.IsUserActionable(err):
		return c.reject(ctx, inv, err)
	default:
		return inv, errors.Wrap(err, "create address request")
	}

	if rid, ok := resp.RequestIDFromMetadata(); ok && rid != inv.AcknowledgmentID {
		logger.WithField("responseRequestId", rid).Error("Server answered for another request")
		return inv, payerr.Wrap(payerr.DataCorruption, "create address request",
			errors.Errorf("response is for request %s", rid))
	}

	err = c.db.WithTx(durable(ctx), func(uow db.UnitOfWork) error {
		var err error
		update := invitations.UpdateFromResponse(resp)
		if update.PreauthID == nil {
			update.PreauthID = body.PreauthID
		}
		inv, err = invitations.ApplyServerStatus(durable(ctx), uow, inv.ID, update)
		return err
	})
	if err != nil {
		return inv, errors.Wrap(err, "acknowledge invitation")
	}
	c.notifyInvitation(EventInvitationSent, inv)
	return inv, nil
}

// acknowledgeUndelivered handles an invitation the server created but could
// not deliver. This is a success: the invitation exists, and the user is
// asked to share it themselves.
func (c *Coordinator) acknowledgeUndelivered(ctx context.Context, inv invitations.Invitation,
	delivery *network.DeliveryFailedError) (invitations.Invitation, error) {
	err := c.db.WithTx(durable(ctx), func(uow db.UnitOfWork) error {
		var err error
		if inv, err = invitations.Acknowledge(durable(ctx), uow, inv.ID, delivery.Response); err != nil {
			return err
		}
		inv, err = invitations.MarkManualShare(durable(ctx), uow, inv.ID)
		return err
	})
	if err != nil {
		return inv, errors.Wrap(err, "acknowledge undelivered invitation")
	}
	log.WithFields(logrus.Fields{
		"id":       inv.ID,
		"provider": delivery.Provider,
		"reason":   delivery.Reason,
	}).Warn("Invitation was created but not delivered")
	c.conf.Metrics.RecordManualShare()
	c.notifyInvitation(EventManualShareRequired, inv)
	return inv, nil
}

// reject cancels an invitation the server refused to create, so it isn't
// resumed again
func (c *Coordinator) reject(ctx context.Context, inv invitations.Invitation,
	cause error) (invitations.Invitation, error) {
	err := c.db.WithTx(durable(ctx), func(uow db.UnitOfWork) error {
		var err error
		if inv, err = invitations.Cancel(durable(ctx), uow, inv.ID); err != nil {
			return err
		}
		return c.failPlaceholder(durable(ctx), uow, inv)
	})
	if err != nil {
		return inv, errors.Wrap(err, "cancel rejected invitation")
	}
	c.notifyInvitation(EventInvitationCanceled, inv)
	return inv, errors.Wrap(cause, "create address request")
}

func (c *Coordinator) failPlaceholder(ctx context.Context, uow db.UnitOfWork, inv invitations.Invitation) error {
	_, err := transactions.MarkFailed(ctx, uow, inv.AcknowledgmentID)
	if errors.Is(err, transactions.ErrNotFound) {
		return nil
	}
	return err
}

// CancelInvitation cancels an outgoing invitation. It waits for any in
// flight work on the same invitation to finish first.
func (c *Coordinator) CancelInvitation(ctx context.Context, id int64) (inv invitations.Invitation, err error) {
	start := time.Now()
	defer func() { c.observe("cancel", start, err) }()

	inv, err = invitations.GetByID(ctx, c.db, id)
	if err != nil {
		return invitations.Invitation{}, err
	}
	unlock, err := c.locks.Lock(ctx, inv.AcknowledgmentID)
	if err != nil {
		return invitations.Invitation{}, payerr.Transient("cancel invitation", err)
	}
	defer unlock()

	err = c.db.WithTx(ctx, func(uow db.UnitOfWork) error {
		var err error
		if inv, err = invitations.Cancel(ctx, uow, id); err != nil {
			return err
		}
		return c.failPlaceholder(ctx, uow, inv)
	})
	if err != nil {
		return invitations.Invitation{}, err
	}
	c.notifyInvitation(EventInvitationCanceled, inv)
	return inv, nil
}

// FulfillRequest pays an invitation the receiver provided an address for
type FulfillRequest struct {
	InvitationID int64 `validate:"gt=0"`
	// FeeRate is the rate on-chain invitations are paid at
	FeeRate fees.Rate `validate:"gte=0"`
	// ReceiverPublicKey seals the shared payload if set
	ReceiverPublicKey string `validate:"omitempty,hexadecimal,len=64"`
}

// FulfillInvitation pays an invitation in the address sent state and
// completes it. Fulfilling a completed invitation returns its transaction.
func (c *Coordinator) FulfillInvitation(ctx context.Context, req FulfillRequest) (
	tx transactions.Transaction, err error) {
	start := time.Now()
	defer func() { c.observe("fulfill", start, err) }()

	if err := c.validate.Struct(req); err != nil {
		return transactions.Transaction{}, errors.Wrap(ErrInvalidRequest, err.Error())
	}
	inv, err := invitations.GetByID(ctx, c.db, req.InvitationID)
	if err != nil {
		return transactions.Transaction{}, err
	}

	res, err := c.exclusive(ctx, opFulfill, inv.AcknowledgmentID, func(ctx context.Context) (interface{}, error) {
		// reread under the lock
		inv, err := invitations.GetByID(ctx, c.db, req.InvitationID)
		if err != nil {
			return nil, err
		}
		return c.fulfill(ctx, inv, req)
	})
	return asTransaction(res, err)
}

func (c *Coordinator) fulfill(ctx context.Context, inv invitations.Invitation,
	req FulfillRequest) (transactions.Transaction, error) {
	if inv.Status == invitations.StatusCompleted && inv.CompletedTxid != nil {
		return transactions.GetByTxid(ctx, c.db, *inv.CompletedTxid)
	}
	switch {
	case inv.Direction != invitations.DirectionOutgoing:
		return transactions.Transaction{}, errors.Wrap(ErrNotFulfillable, "invitation is incoming")
	case inv.Status != invitations.StatusAddressSent || inv.AddressProvidedToSender == nil:
		return transactions.Transaction{}, errors.Wrapf(ErrNotFulfillable, "invitation is %s", inv.Status)
	}

	address := *inv.AddressProvidedToSender
	data := OutgoingTransactionData{
		AcknowledgmentID:  inv.AcknowledgmentID,
		Destination:       address,
		Amount:            inv.BtcAmount,
		UsdAmountCents:    inv.UsdAmountCents,
		ReceiverPublicKey: req.ReceiverPublicKey,
	}
	if inv.Memo != nil {
		data.Memo = *inv.Memo
	}

	var tx transactions.Transaction
	var err error
	if inv.Kind == invitations.KindLightning {
		invoice, decodeErr := c.DecodeInvoice(address)
		if decodeErr != nil {
			return transactions.Transaction{}, decodeErr
		}
		id := inv.ID
		tx, err = c.payLightning(ctx, invoice, data, &id, inv.PreauthID)
	} else {
		tx, err = c.fulfillOnChain(ctx, inv, data, req.FeeRate)
	}
	if err != nil {
		return transactions.Transaction{}, err
	}

	err = c.db.WithTx(durable(ctx), func(uow db.UnitOfWork) error {
		var err error
		inv, err = invitations.Complete(durable(ctx), uow, inv.ID, tx.Txid)
		return err
	})
	if err != nil {
		return transactions.Transaction{}, errors.Wrap(err, "complete invitation")
	}
	c.notifyInvitation(EventPaymentCompleted, inv)
	return tx, nil
}

func (c *Coordinator) fulfillOnChain(ctx context.Context, inv invitations.Invitation,
	data OutgoingTransactionData, rate fees.Rate) (transactions.Transaction, error) {
	if rate <= 0 {
		rate = c.conf.FeeFloor
	}
	candidate, err := c.assembler.RequiredRate(ctx, inv.BtcAmount, data.Destination, rate)
	if err != nil {
		return transactions.Transaction{}, err
	}
	txid, err := c.broadcast(ctx, candidate.Raw)
	if err != nil {
		return transactions.Transaction{}, err
	}

	id := inv.ID
	tx, err := c.recordPayment(ctx, transactions.PendingTxid(inv.AcknowledgmentID), transactions.NewTransaction{
		Txid:               txid,
		Network:            transactions.NetworkOnChain,
		Amount:             candidate.Amount,
		Fee:                candidate.Fee,
		DestinationAddress: candidate.Destination,
		InvitationID:       &id,
		Memo:               inv.Memo,
	})
	if err != nil {
		log.WithField("txid", txid).WithError(err).Error("Invitation was paid but could not be recorded")
		return transactions.Transaction{}, err
	}
	return c.postPayload(ctx, tx, candidate.Destination, data), nil
}
