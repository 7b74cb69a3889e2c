package settlement

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/dropbit/db"
	"gitlab.com/arcanecrypto/dropbit/models/transactions"
	"gitlab.com/arcanecrypto/dropbit/network"
	"gitlab.com/arcanecrypto/dropbit/payerr"
	"gitlab.com/arcanecrypto/dropbit/payload"
)

// PayOnChain broadcasts a confirmed candidate, records the transaction and
// posts the shared payload. A payload that can't be posted is logged and
// does not undo the payment.
func (c *Coordinator) PayOnChain(ctx context.Context, data OutgoingTransactionData) (
	tx transactions.Transaction, err error) {
	start := time.Now()
	defer func() { c.observe("onchain", start, err) }()

	if err := data.validate(c.validate); err != nil {
		return transactions.Transaction{}, err
	}
	if err := c.validate.Var(data.Destination, "required,btcaddress"); err != nil {
		return transactions.Transaction{}, errors.Wrapf(ErrInvalidRequest, "destination: %s", err)
	}
	if data.Candidate == nil || len(data.Candidate.Raw) == 0 {
		return transactions.Transaction{}, errors.Wrap(ErrInvalidRequest, "a signed candidate is required")
	}
	if data.Candidate.Amount != data.Amount {
		return transactions.Transaction{}, errors.Wrapf(ErrInvalidRequest,
			"candidate pays %s, expected %s", data.Candidate.Amount, data.Amount)
	}
	if data.AcknowledgmentID == "" {
		data.AcknowledgmentID = uuid.New().String()
	}

	res, err := c.exclusive(ctx, opPay, data.AcknowledgmentID, func(ctx context.Context) (interface{}, error) {
		return c.payOnChain(ctx, data)
	})
	return asTransaction(res, err)
}

func (c *Coordinator) payOnChain(ctx context.Context, data OutgoingTransactionData) (transactions.Transaction, error) {
	candidate := *data.Candidate
	txid, err := c.broadcast(ctx, candidate.Raw)
	if err != nil {
		return transactions.Transaction{}, err
	}

	var tx transactions.Transaction
	err = c.db.WithTx(durable(ctx), func(uow db.UnitOfWork) error {
		tx, err = transactions.Insert(durable(ctx), uow, transactions.NewTransaction{
			Txid:               txid,
			Network:            transactions.NetworkOnChain,
			Amount:             candidate.Amount,
			Fee:                candidate.Fee,
			DestinationAddress: candidate.Destination,
			IsSentToSelf:       data.IsSentToSelf,
			Memo:               data.memo(),
		})
		return err
	})
	if err != nil {
		log.WithFields(logrus.Fields{
			"txid":        txid,
			"destination": candidate.Destination,
		}).WithError(err).Error("Transaction was broadcast but could not be recorded")
		return transactions.Transaction{}, errors.Wrapf(err, "record broadcast transaction %s", txid)
	}

	tx = c.postPayload(ctx, tx, candidate.Destination, data)
	c.notifyTransaction(EventPaymentCompleted, tx)
	return tx, nil
}

// broadcast sends raw to the network. The txid is validated by the client.
func (c *Coordinator) broadcast(ctx context.Context, raw []byte) (string, error) {
	var txid string
	err := c.call(ctx, "broadcast", func(ctx context.Context) error {
		var err error
		txid, err = c.client.BroadcastTransaction(ctx, network.BroadcastRequest{
			RawTx: hex.EncodeToString(raw),
		})
		return err
	})
	if err != nil {
		return "", errors.Wrap(err, "broadcast")
	}
	log.WithField("txid", txid).Info("Broadcast transaction")
	return txid, nil
}

// postPayload posts the shared payload for tx, best effort. Failures are
// logged and leave tx as it was.
func (c *Coordinator) postPayload(ctx context.Context, tx transactions.Transaction,
	address string, data OutgoingTransactionData) transactions.Transaction {
	var sender *network.Identity
	if c.conf.Sender.Identity != "" {
		sender = &c.conf.Sender
	}
	shared := payload.New(tx.Txid, data.Memo, data.UsdAmountCents, sender)
	if shared.IsEmpty() {
		return tx
	}

	logger := log.WithField("txid", tx.Txid)
	var key *[32]byte
	if data.ReceiverPublicKey != "" {
		parsed, err := payload.ParsePublicKey(data.ReceiverPublicKey)
		if err != nil {
			logger.WithError(err).Warn("Posting shared payload unencrypted")
		}
		key = parsed
	}
	post, err := shared.Post(address, key)
	if err != nil {
		logger.WithError(err).Warn("Could not encode shared payload")
		c.conf.Metrics.RecordPayloadFailure()
		return tx
	}

	payloadCtx, cancel := c.withTimeout(ctx, c.conf.PayloadTimeout)
	defer cancel()
	start := time.Now()
	err = c.client.PostSharedPayload(payloadCtx, post)
	c.conf.Metrics.RecordNetworkCall("shared_payload", time.Since(start), err)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"class":     payerr.ClassOf(err),
			"encrypted": post.Encrypted,
		}).WithError(err).Warn("Could not post shared payload")
		c.conf.Metrics.RecordPayloadFailure()
		return tx
	}

	var posted transactions.Transaction
	err = c.db.WithTx(durable(ctx), func(uow db.UnitOfWork) error {
		posted, err = transactions.MarkPayloadPosted(durable(ctx), uow, tx.Txid)
		return err
	})
	if err != nil {
		logger.WithError(err).Error("Could not record posted shared payload")
		return tx
	}
	logger.WithField("encrypted", post.Encrypted).Debug("Posted shared payload")
	return posted
}
