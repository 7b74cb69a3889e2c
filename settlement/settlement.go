// Package settlement turns a confirmed payment into a durable, at most once
// settlement. Local state is written before every network step that can
// create remote state, and every step can be re-driven after a crash.
package settlement

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"gitlab.com/arcanecrypto/dropbit/assembler"
	"gitlab.com/arcanecrypto/dropbit/async"
	"gitlab.com/arcanecrypto/dropbit/build"
	"gitlab.com/arcanecrypto/dropbit/db"
	"gitlab.com/arcanecrypto/dropbit/fees"
	"gitlab.com/arcanecrypto/dropbit/metrics"
	"gitlab.com/arcanecrypto/dropbit/models/invitations"
	"gitlab.com/arcanecrypto/dropbit/models/transactions"
	"gitlab.com/arcanecrypto/dropbit/network"
	"gitlab.com/arcanecrypto/dropbit/payerr"
	"gitlab.com/arcanecrypto/dropbit/validation"
)

var log = build.AddSubLogger("STLM")

var (
	// ErrInsufficientFee means an on-chain invitation was about to be sent
	// without a fee to pay it with. This is a programming error.
	ErrInsufficientFee = errors.New("on-chain invitations must carry a fee")
	// ErrInvalidRequest means the payment request failed validation
	ErrInvalidRequest = payerr.New(payerr.UserActionable, "invalid payment request")
	// ErrInvalidInvoice means a lightning invoice could not be decoded
	ErrInvalidInvoice = payerr.New(payerr.UserActionable, "invalid lightning invoice")
	// ErrInvoiceExpired means a lightning invoice can no longer be paid
	ErrInvoiceExpired = payerr.New(payerr.UserActionable, "lightning invoice is expired")
	// ErrNotFulfillable means the invitation has no address to pay, or is
	// not ours to pay
	ErrNotFulfillable = payerr.New(payerr.UserActionable, "invitation can't be paid yet")
	// ErrPaymentHashMismatch means the server paid a different invoice than
	// the one we asked it to
	ErrPaymentHashMismatch = payerr.New(payerr.DataCorruption, "server paid a different payment hash")
)

// Config configures a Coordinator
type Config struct {
	// Network is the chain addresses and invoices are validated against
	Network *chaincfg.Params
	// FeeFloor is the lowest fee rate the wallet will pay
	FeeFloor fees.Rate
	// NetworkTimeout bounds every call to the server, if set
	NetworkTimeout time.Duration
	// PayloadTimeout bounds shared payload posts, if set
	PayloadTimeout time.Duration
	// Sender is the wallet's own identity
	Sender network.Identity
	// Metrics is optional
	Metrics *metrics.Collector
}

// Coordinator settles payments and invitations
type Coordinator struct {
	db        *db.DB
	assembler *assembler.Assembler
	client    network.Client
	notifier  Notifier
	locks     *async.KeyedMutex
	inflight  singleflight.Group
	validate  *validator.Validate
	conf      Config
}

// NewCoordinator creates a coordinator. locks must be shared with anything
// else that writes invitations, i.e. reconciliation.
func NewCoordinator(d *db.DB, asm *assembler.Assembler, client network.Client,
	notifier Notifier, locks *async.KeyedMutex, conf Config) *Coordinator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if locks == nil {
		locks = async.NewKeyedMutex()
	}
	if conf.Network == nil {
		conf.Network = &chaincfg.MainNetParams
	}
	if conf.FeeFloor <= 0 {
		conf.FeeFloor = fees.DefaultFloor
	}
	return &Coordinator{
		db:        d,
		assembler: asm,
		client:    client,
		notifier:  notifier,
		locks:     locks,
		validate:  validation.New(conf.Network),
		conf:      conf,
	}
}

// Locks is the per invitation lock shared with reconciliation
func (c *Coordinator) Locks() *async.KeyedMutex {
	return c.locks
}

// OutgoingTransactionData is a payment the user confirmed. It is never
// persisted as is.
type OutgoingTransactionData struct {
	// AcknowledgmentID identifies the attempt. Generated if empty.
	AcknowledgmentID string         `validate:"omitempty,uuid4"`
	Destination      string         `validate:"omitempty,max=2048"`
	Amount           btcutil.Amount `validate:"gt=0"`
	UsdAmountCents   int64          `validate:"gte=0"`
	FeeRate          fees.Rate      `validate:"gte=0"`
	Fee              btcutil.Amount `validate:"gte=0"`
	Memo             string         `validate:"max=500"`
	// Receiver is required for invitations
	Receiver *invitations.Counterparty
	// ReceiverPublicKey seals the shared payload if set
	ReceiverPublicKey string `validate:"omitempty,hexadecimal,len=64"`
	IsSentToSelf      bool
	// Candidate is the signed transaction of a direct on-chain payment
	Candidate *assembler.TransactionData
}

func (o OutgoingTransactionData) validate(v *validator.Validate) error {
	if err := v.Struct(o); err != nil {
		return errors.Wrap(ErrInvalidRequest, err.Error())
	}
	return nil
}

func (o OutgoingTransactionData) memo() *string {
	if o.Memo == "" {
		return nil
	}
	memo := o.Memo
	return &memo
}

func (c *Coordinator) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// call runs a network call bounded by the configured timeout
func (c *Coordinator) call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	callCtx, cancel := c.withTimeout(ctx, c.conf.NetworkTimeout)
	defer cancel()
	start := time.Now()
	err := fn(callCtx)
	c.conf.Metrics.RecordNetworkCall(name, time.Since(start), err)
	if err != nil && payerr.ClassOf(err) == payerr.Unclassified && callCtx.Err() != nil {
		err = payerr.Transient(name, err)
	}
	return err
}

// durable returns a context for writes that record a completed network step.
// They must not be abandoned because the caller gave up.
func durable(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// Operations coalesced by exclusive, each with its own result type
const (
	opSend      = "send"
	opPay       = "pay"
	opFulfill   = "fulfill"
	opLightning = "lightning"
)

// exclusive coalesces concurrent calls of the same operation for key and
// serializes them with anything else holding the key's lock. fn is shared by
// every coalesced caller, so it runs without any caller's cancellation,
// bounded by the configured timeouts. A caller whose ctx is done stops
// waiting and leaves the work to finish.
func (c *Coordinator) exclusive(ctx context.Context, op, key string,
	fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	shared := context.WithoutCancel(ctx)
	ch := c.inflight.DoChan(op+":"+key, func() (interface{}, error) {
		lockCtx, cancel := c.withTimeout(shared, c.conf.NetworkTimeout)
		unlock, err := c.locks.Lock(lockCtx, key)
		cancel()
		if err != nil {
			return nil, payerr.Transient("lock "+key, err)
		}
		defer unlock()
		return fn(shared)
	})

	select {
	case <-ctx.Done():
		return nil, payerr.Transient(op+" "+key, ctx.Err())
	case res := <-ch:
		if res.Shared {
			log.WithFields(logrus.Fields{
				"operation": op,
				"key":       key,
			}).Debug("Coalesced duplicate settlement attempt")
		}
		return res.Val, res.Err
	}
}

// asTransaction unpacks a coalesced payment result
func asTransaction(res interface{}, err error) (transactions.Transaction, error) {
	if err != nil {
		return transactions.Transaction{}, err
	}
	tx, ok := res.(transactions.Transaction)
	if !ok {
		return transactions.Transaction{}, errors.Errorf("unexpected payment result %T", res)
	}
	return tx, nil
}

func (c *Coordinator) observe(operation string, start time.Time, err error) {
	c.conf.Metrics.RecordSettlement(operation, time.Since(start), err)
	if err == nil {
		return
	}
	entry := log.WithFields(logrus.Fields{
		"operation": operation,
		"class":     payerr.ClassOf(err),
	}).WithError(err)
	switch payerr.ClassOf(err) {
	case payerr.DataCorruption, payerr.Unclassified:
		entry.Error("Settlement failed")
	case payerr.TransientNetwork:
		entry.Warn("Settlement interrupted, state is left for reconciliation")
	default:
		entry.Info("Settlement rejected")
	}
}

func (c *Coordinator) notifyTransaction(kind EventKind, tx transactions.Transaction) {
	c.notifier.Notify(Event{
		Kind:         kind,
		Txid:         tx.Txid,
		InvitationID: tx.InvitationID,
		Transaction:  &tx,
	})
}

func (c *Coordinator) notifyInvitation(kind EventKind, inv invitations.Invitation) {
	id := inv.ID
	c.notifier.Notify(Event{
		Kind:         kind,
		InvitationID: &id,
		Invitation:   &inv,
	})
	c.conf.Metrics.RecordTransition(string(inv.Status))
}
