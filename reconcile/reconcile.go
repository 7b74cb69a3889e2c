// Package reconcile merges the server's view of invitations and the chain's
// view of transactions into local state. It only writes through the ledger
// operations, and skips invitations that are being settled.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/dropbit/async"
	"gitlab.com/arcanecrypto/dropbit/build"
	"gitlab.com/arcanecrypto/dropbit/db"
	"gitlab.com/arcanecrypto/dropbit/metrics"
	"gitlab.com/arcanecrypto/dropbit/models/invitations"
	"gitlab.com/arcanecrypto/dropbit/models/transactions"
	"gitlab.com/arcanecrypto/dropbit/network"
	"gitlab.com/arcanecrypto/dropbit/payerr"
	"gitlab.com/arcanecrypto/dropbit/settlement"
)

var log = build.AddSubLogger("RECN")

// ErrAlreadyStarted means Start was called twice
var ErrAlreadyStarted = errors.New("reconciliation is already scheduled")

const (
	DefaultSchedule      = "@every 1m"
	DefaultGracePeriod   = time.Minute
	DefaultStaleAfter    = 24 * time.Hour
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 500 * time.Millisecond
)

// Config configures a Worker. Zero values are replaced by defaults.
type Config struct {
	// Schedule is a cron spec, e.g. "@every 1m"
	Schedule string
	// GracePeriod is how old an unacknowledged invitation must be before
	// it's resumed, so in flight sends aren't raced
	GracePeriod time.Duration
	// StaleAfter is how old an open invitation must be before it's looked
	// up by id, in case the server never reports it as satisfied
	StaleAfter    time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	Metrics       *metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	return c
}

// Resumer re-drives unacknowledged invitations. Implemented by
// settlement.Coordinator.
type Resumer interface {
	Resume(ctx context.Context, ackID string) (invitations.Invitation, error)
	// Locks is held by whoever is working on an invitation
	Locks() *async.KeyedMutex
}

// Worker reconciles local state with the server
type Worker struct {
	db       *db.DB
	client   network.Client
	resumer  Resumer
	notifier settlement.Notifier
	conf     Config

	mu   sync.Mutex
	cron *cron.Cron
}

// NewWorker creates a worker
func NewWorker(d *db.DB, client network.Client, resumer Resumer,
	notifier settlement.Notifier, conf Config) *Worker {
	if notifier == nil {
		notifier = settlement.NopNotifier{}
	}
	return &Worker{
		db:       d,
		client:   client,
		resumer:  resumer,
		notifier: notifier,
		conf:     conf.withDefaults(),
	}
}

// Report is what a pass did
type Report struct {
	Resumed             int
	InvitationsChanged  int
	TransactionsChanged int
	// Skipped counts invitations that were locked by settlement
	Skipped int
}

func (r Report) fields() logrus.Fields {
	return logrus.Fields{
		"resumed":             r.Resumed,
		"invitationsChanged":  r.InvitationsChanged,
		"transactionsChanged": r.TransactionsChanged,
		"skipped":             r.Skipped,
	}
}

// RunOnce runs a single reconciliation pass. Server statuses are merged
// before anything is resumed, so only invitations the server never reported
// are created again, and nothing is resumed if the server couldn't be asked.
// The other steps run even if an earlier one failed, and the first failure is
// returned.
func (w *Worker) RunOnce(ctx context.Context) (report Report, err error) {
	start := time.Now()
	defer func() {
		w.conf.Metrics.RecordReconcileRun(time.Since(start), err)
		w.conf.Metrics.RecordReconcileChanges("invitation", report.InvitationsChanged)
		w.conf.Metrics.RecordReconcileChanges("transaction", report.TransactionsChanged)
	}()

	var errs []error
	reported, err := w.applyServerStatuses(ctx, &report)
	if err != nil {
		errs = append(errs, errors.Wrap(err, "apply server statuses"))
	}
	if reported != nil {
		if err := w.resumeUnacknowledged(ctx, reported, &report); err != nil {
			errs = append(errs, errors.Wrap(err, "resume unacknowledged invitations"))
		}
	}
	if err := w.updateConfirmations(ctx, &report); err != nil {
		errs = append(errs, errors.Wrap(err, "update confirmations"))
	}

	logger := log.WithFields(report.fields()).WithField("took", time.Since(start))
	if len(errs) > 0 {
		for _, e := range errs[1:] {
			logger.WithError(e).Warn("Reconciliation step failed")
		}
		logger.WithError(errs[0]).Warn("Reconciliation pass failed")
		return report, errs[0]
	}
	logger.Debug("Reconciliation pass done")
	return report, nil
}

// retry retries transient failures of fn
func (w *Worker) retry(ctx context.Context, fn func() error) error {
	return async.RetryContext(ctx, w.conf.RetryAttempts, w.conf.RetryBackoff, payerr.IsTransient, fn)
}

// resumeUnacknowledged resumes stale invitations missing from reported
func (w *Worker) resumeUnacknowledged(ctx context.Context, reported map[int64]bool, report *Report) error {
	stale, err := invitations.ListUnacknowledged(ctx, w.db, time.Now().Add(-w.conf.GracePeriod))
	if err != nil {
		return err
	}

	var first error
	for _, inv := range stale {
		if inv.Direction != invitations.DirectionOutgoing || reported[inv.ID] {
			continue
		}
		resumed, err := w.resumer.Resume(ctx, inv.AcknowledgmentID)
		if err != nil {
			log.WithFields(logrus.Fields{
				"id":    inv.ID,
				"class": payerr.ClassOf(err),
			}).WithError(err).Warn("Could not resume invitation")
			if first == nil && !payerr.IsTransient(err) {
				first = err
			}
			continue
		}
		if resumed.Status != invitations.StatusNotSent {
			report.Resumed++
		}
	}
	return first
}

// findInvitation finds the local invitation a server response is about
func (w *Worker) findInvitation(ctx context.Context,
	resp network.WalletAddressRequestResponse) (invitations.Invitation, error) {
	if ackID, ok := resp.RequestIDFromMetadata(); ok {
		inv, err := invitations.GetByAckID(ctx, w.db, ackID)
		if !errors.Is(err, invitations.ErrNotFound) {
			return inv, err
		}
	}
	return invitations.GetByServerRequestID(ctx, w.db, resp.ID)
}

// applyServerStatuses merges the server's satisfied requests, and looks up
// stale open invitations it no longer lists. It returns the invitations the
// server reported, or nil if the server couldn't be asked.
func (w *Worker) applyServerStatuses(ctx context.Context, report *Report) (map[int64]bool, error) {
	var responses []network.WalletAddressRequestResponse
	err := w.retry(ctx, func() error {
		var err error
		responses, err = w.client.FetchSatisfiedAddressRequests(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool)
	var first error
	for _, resp := range responses {
		inv, err := w.findInvitation(ctx, resp)
		if errors.Is(err, invitations.ErrNotFound) {
			log.WithField("serverRequestId", resp.ID).Debug("Ignoring unknown address request")
			continue
		}
		if err != nil {
			return nil, err
		}
		seen[inv.ID] = true
		if err := w.apply(ctx, inv, resp, report); err != nil && first == nil {
			first = err
		}
	}

	// requests the server stopped reporting, e.g. because they expired
	open, err := invitations.ListOpen(ctx, w.db)
	if err != nil {
		return seen, err
	}
	cutoff := time.Now().Add(-w.conf.StaleAfter)
	for _, inv := range open {
		if seen[inv.ID] || inv.ServerRequestID == nil || inv.CreatedAt.After(cutoff) {
			continue
		}
		var resp network.WalletAddressRequestResponse
		err := w.retry(ctx, func() error {
			var err error
			resp, err = w.client.FetchAddressRequest(ctx, *inv.ServerRequestID)
			return err
		})
		if err != nil {
			log.WithField("id", inv.ID).WithError(err).Warn("Could not look up stale invitation")
			if first == nil {
				first = err
			}
			continue
		}
		if err := w.apply(ctx, inv, resp, report); err != nil && first == nil {
			first = err
		}
	}
	return seen, first
}

// apply merges resp into inv, unless settlement is working on it
func (w *Worker) apply(ctx context.Context, inv invitations.Invitation,
	resp network.WalletAddressRequestResponse, report *Report) error {
	logger := log.WithFields(logrus.Fields{
		"id":              inv.ID,
		"serverRequestId": resp.ID,
		"serverStatus":    resp.Status,
	})

	unlock, ok := w.resumer.Locks().TryLock(inv.AcknowledgmentID)
	if !ok {
		logger.Debug("Invitation is being settled, skipping")
		report.Skipped++
		return nil
	}
	defer unlock()

	var before, after invitations.Invitation
	err := w.db.WithTx(ctx, func(uow db.UnitOfWork) error {
		var err error
		// reread under the lock
		if before, err = invitations.GetByID(ctx, uow, inv.ID); err != nil {
			return err
		}
		after, err = invitations.ApplyServerStatus(ctx, uow, inv.ID, invitations.UpdateFromResponse(resp))
		if err != nil {
			return err
		}
		return w.settlePlaceholder(ctx, uow, after)
	})
	if err != nil {
		if payerr.IsDataCorruption(err) {
			logger.WithError(err).Error("Server disagrees with local invitation, leaving it untouched")
		} else {
			logger.WithError(err).Warn("Could not apply server status")
		}
		return err
	}

	if !invitations.Changed(before, after) {
		return nil
	}
	report.InvitationsChanged++
	w.conf.Metrics.RecordTransition(string(after.Status))
	id := after.ID
	w.notifier.Notify(settlement.Event{
		Kind:         settlement.EventInvitationUpdated,
		InvitationID: &id,
		Invitation:   &after,
	})
	logger.WithFields(logrus.Fields{
		"from": before.Status,
		"to":   after.Status,
	}).Info("Invitation updated from server")
	return nil
}

// settlePlaceholder keeps the invitation's placeholder transaction in step
// with the invitation
func (w *Worker) settlePlaceholder(ctx context.Context, uow db.UnitOfWork, inv invitations.Invitation) error {
	pending := transactions.PendingTxid(inv.AcknowledgmentID)
	var err error
	switch inv.Status {
	case invitations.StatusCompleted:
		address := ""
		if inv.AddressProvidedToSender != nil {
			address = *inv.AddressProvidedToSender
		}
		_, err = transactions.MarkBroadcast(ctx, uow, pending, *inv.CompletedTxid, inv.FeeAmount, address)
	case invitations.StatusCanceled, invitations.StatusExpired:
		_, err = transactions.MarkFailed(ctx, uow, inv.AcknowledgmentID)
	default:
		return nil
	}
	if errors.Is(err, transactions.ErrNotFound) {
		return nil
	}
	return err
}

func (w *Worker) updateConfirmations(ctx context.Context, report *Report) error {
	unconfirmed, err := transactions.ListUnconfirmed(ctx, w.db)
	if err != nil || len(unconfirmed) == 0 {
		return err
	}
	txids := make([]string, 0, len(unconfirmed))
	for _, tx := range unconfirmed {
		txids = append(txids, tx.Txid)
	}

	var confirmations []network.TransactionConfirmation
	err = w.retry(ctx, func() error {
		var err error
		confirmations, err = w.client.FetchTransactionConfirmations(ctx, txids)
		return err
	})
	if err != nil {
		return err
	}

	for _, conf := range confirmations {
		if conf.BlockHeight == nil || conf.Confirmations <= 0 {
			continue
		}
		minedAt := time.Now()
		if conf.BlockTime != nil {
			minedAt = time.Unix(*conf.BlockTime, 0)
		}

		var tx transactions.Transaction
		var changed bool
		err := w.db.WithTx(ctx, func(uow db.UnitOfWork) error {
			var err error
			tx, changed, err = transactions.MarkConfirmed(ctx, uow, conf.Txid, *conf.BlockHeight, minedAt)
			return err
		})
		if errors.Is(err, transactions.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		report.TransactionsChanged++
		w.notifier.Notify(settlement.Event{
			Kind:         settlement.EventTransactionConfirmed,
			Txid:         tx.Txid,
			InvitationID: tx.InvitationID,
			Transaction:  &tx,
		})
	}
	return nil
}

// Start runs a pass on the configured schedule until Stop is called.
// Passes never overlap.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return ErrAlreadyStarted
	}

	logger := cron.PrintfLogger(log)
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(w.conf.Schedule, func() {
		if ctx.Err() != nil {
			return
		}
		_, _ = w.RunOnce(ctx)
	}); err != nil {
		return errors.Wrapf(err, "invalid schedule %q", w.conf.Schedule)
	}
	c.Start()
	w.cron = c
	log.WithField("schedule", w.conf.Schedule).Info("Scheduled reconciliation")
	return nil
}

// Stop stops scheduling passes and waits for a running pass to finish
func (w *Worker) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	log.Info("Stopped reconciliation")
}
