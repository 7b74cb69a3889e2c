package settlement

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/dropbit/db"
	"gitlab.com/arcanecrypto/dropbit/models/transactions"
	"gitlab.com/arcanecrypto/dropbit/network"
)

// Invoice is the part of a decoded lightning invoice settlement cares about
type Invoice struct {
	PaymentHash string
	// Amount is zero for invoices without an amount
	Amount      btcutil.Amount
	Destination string
	ExpiresAt   time.Time
	Description string
}

// DecodeInvoice decodes and checks an encoded lightning invoice
func (c *Coordinator) DecodeInvoice(encoded string) (Invoice, error) {
	encoded = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(encoded)), "lightning:")
	decoded, err := zpay32.Decode(encoded, c.conf.Network)
	if err != nil {
		return Invoice{}, errors.Wrap(ErrInvalidInvoice, err.Error())
	}
	if decoded.PaymentHash == nil {
		return Invoice{}, errors.Wrap(ErrInvalidInvoice, "invoice has no payment hash")
	}

	invoice := Invoice{
		PaymentHash: hex.EncodeToString(decoded.PaymentHash[:]),
		ExpiresAt:   decoded.Timestamp.Add(decoded.Expiry()),
	}
	if decoded.MilliSat != nil {
		invoice.Amount = decoded.MilliSat.ToSatoshis()
	}
	if decoded.Destination != nil {
		invoice.Destination = hex.EncodeToString(decoded.Destination.SerializeCompressed())
	}
	if decoded.Description != nil {
		invoice.Description = *decoded.Description
	}
	if !invoice.ExpiresAt.After(time.Now()) {
		return Invoice{}, errors.Wrapf(ErrInvoiceExpired, "expired at %s", invoice.ExpiresAt)
	}
	return invoice, nil
}

// PayLightning pays data.Destination, an encoded lightning invoice, through
// the server. The payment hash is recorded as the transaction id, so an
// invoice is paid at most once.
func (c *Coordinator) PayLightning(ctx context.Context, data OutgoingTransactionData) (
	tx transactions.Transaction, err error) {
	start := time.Now()
	defer func() { c.observe("lightning", start, err) }()

	invoice, err := c.DecodeInvoice(data.Destination)
	if err != nil {
		return transactions.Transaction{}, err
	}
	if invoice.Amount > 0 {
		data.Amount = invoice.Amount
	}
	if err := data.validate(c.validate); err != nil {
		return transactions.Transaction{}, err
	}

	res, err := c.exclusive(ctx, opLightning, invoice.PaymentHash, func(ctx context.Context) (interface{}, error) {
		return c.payLightning(ctx, invoice, data, nil, nil)
	})
	return asTransaction(res, err)
}

// payLightning pays invoice. invitationID and preauthID are set when the
// payment settles an invitation.
func (c *Coordinator) payLightning(ctx context.Context, invoice Invoice, data OutgoingTransactionData,
	invitationID *int64, preauthID *string) (transactions.Transaction, error) {
	logger := log.WithFields(logrus.Fields{
		"paymentHash": invoice.PaymentHash,
		"amountSat":   data.Amount,
	})

	existing, err := transactions.GetByTxid(ctx, c.db, invoice.PaymentHash)
	switch {
	case err == nil:
		logger.Info("Invoice is already paid")
		return existing, nil
	case !errors.Is(err, transactions.ErrNotFound):
		return transactions.Transaction{}, err
	}

	req := network.LightningPaymentRequest{
		Invoice:   data.Destination,
		PreauthID: preauthID,
	}
	if invoice.Amount == 0 {
		req.Amount = int64(data.Amount)
	}
	var resp network.LightningPaymentResponse
	err = c.call(ctx, "pay_lightning", func(ctx context.Context) error {
		resp, err = c.client.PayLightningRequest(ctx, req)
		return err
	})
	if err != nil {
		return transactions.Transaction{}, errors.Wrap(err, "pay lightning invoice")
	}
	if resp.PaymentHash != "" && resp.PaymentHash != invoice.PaymentHash {
		logger.WithField("paidHash", resp.PaymentHash).Error("Server paid another invoice")
		return transactions.Transaction{}, errors.Wrapf(ErrPaymentHashMismatch, "paid %s", resp.PaymentHash)
	}

	var synthetic string
	if invitationID != nil {
		synthetic = transactions.PendingTxid(data.AcknowledgmentID)
	}
	tx, err := c.recordPayment(ctx, synthetic, transactions.NewTransaction{
		Txid:               invoice.PaymentHash,
		Network:            transactions.NetworkLightning,
		Amount:             data.Amount,
		Fee:                btcutil.Amount(resp.Fee),
		DestinationAddress: invoice.Destination,
		InvitationID:       invitationID,
		Memo:               data.memo(),
	})
	if err != nil {
		logger.WithError(err).Error("Invoice was paid but could not be recorded")
		return transactions.Transaction{}, err
	}
	logger.WithField("feeSat", resp.Fee).Info("Paid lightning invoice")

	tx = c.postPayload(ctx, tx, invoice.Destination, data)
	if invitationID == nil {
		c.notifyTransaction(EventPaymentCompleted, tx)
	}
	return tx, nil
}

// recordPayment records a payment that went through. If synthetic is set, the
// placeholder row is updated in place when it exists.
func (c *Coordinator) recordPayment(ctx context.Context, synthetic string,
	n transactions.NewTransaction) (transactions.Transaction, error) {
	var tx transactions.Transaction
	err := c.db.WithTx(durable(ctx), func(uow db.UnitOfWork) error {
		var err error
		if synthetic != "" {
			tx, err = transactions.MarkBroadcast(durable(ctx), uow, synthetic, n.Txid,
				n.Fee, n.DestinationAddress)
			if !errors.Is(err, transactions.ErrNotFound) {
				return err
			}
		}
		tx, err = transactions.Insert(durable(ctx), uow, n)
		return err
	})
	if err != nil {
		return transactions.Transaction{}, errors.Wrapf(err, "record payment %s", n.Txid)
	}
	return tx, nil
}
