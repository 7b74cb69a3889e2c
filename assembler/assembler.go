// Package assembler requests candidate transactions from the wallet signing
// engine. It never mutates wallet state: nothing here signs for broadcast,
// persists anything or reserves UTXOs.
package assembler

import (
	"context"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/dropbit/build"
	"gitlab.com/arcanecrypto/dropbit/fees"
	"gitlab.com/arcanecrypto/dropbit/payerr"
)

var log = build.AddSubLogger("ASMB")

var (
	// ErrInsufficientFunds means the wallet can't cover amount plus fee
	ErrInsufficientFunds = payerr.New(payerr.UserActionable, "insufficient funds")
	// ErrNoSpendableUTXOs means the wallet has no confirmed outputs to spend
	ErrNoSpendableUTXOs = payerr.New(payerr.UserActionable, "no spendable UTXOs")
	// ErrAddressInvalid means the destination isn't a valid address for the
	// active network
	ErrAddressInvalid = payerr.New(payerr.UserActionable, "address is invalid")
	// ErrInvalidAmount means the amount is zero or negative
	ErrInvalidAmount = payerr.New(payerr.UserActionable, "amount must be positive")
	// ErrInvalidFeeRate means a zero or negative fee rate was requested
	ErrInvalidFeeRate = payerr.New(payerr.UserActionable, "fee rate must be positive")
)

// PlaceholderVSize is the virtual size used to estimate fees before the
// destination is known, e.g. for invitations. It's on the high end of a
// one input, two output transaction.
const PlaceholderVSize = 250

// SigningEngine builds transactions from the wallet's UTXOs. Implementations
// return the sentinel errors of this package for funding problems.
type SigningEngine interface {
	AssembleTransaction(ctx context.Context, amount btcutil.Amount,
		destination string, rate fees.Rate) (TransactionData, error)
	AssembleMaxSend(ctx context.Context, destination string,
		rate fees.Rate) (TransactionData, error)
}

// TransactionData is a candidate transaction, ready to be signed and
// broadcast once the user confirms it
type TransactionData struct {
	Destination  string         `json:"destination"`
	Amount       btcutil.Amount `json:"amount"`
	Fee          btcutil.Amount `json:"fee"`
	FeeRate      fees.Rate      `json:"feeRate"`
	ChangeAmount btcutil.Amount `json:"changeAmount"`
	VirtualSize  int            `json:"virtualSize"`
	InputCount   int            `json:"inputCount"`
	IsMaxSend    bool           `json:"isMaxSend"`
	// Tier is empty for candidates built from an explicit rate
	Tier fees.Tier `json:"tier,omitempty"`
	// Raw is the unsigned transaction, as produced by the signing engine
	Raw []byte `json:"-"`
}

// Total is what leaves the wallet
func (t TransactionData) Total() btcutil.Amount {
	return t.Amount + t.Fee
}

// Candidates are the three fee tiers a user chooses between. Low is always
// set, Medium and High are nil if the wallet can't afford them.
type Candidates struct {
	Low    TransactionData  `json:"low"`
	Medium *TransactionData `json:"medium,omitempty"`
	High   *TransactionData `json:"high,omitempty"`
}

// ForTier returns the candidate for the given tier, if it exists
func (c Candidates) ForTier(tier fees.Tier) (TransactionData, bool) {
	switch tier {
	case fees.Cheap:
		return c.Low, true
	case fees.Slow:
		if c.Medium != nil {
			return *c.Medium, true
		}
	case fees.Fast:
		if c.High != nil {
			return *c.High, true
		}
	}
	return TransactionData{}, false
}

// Assembler produces candidate transactions
type Assembler struct {
	engine  SigningEngine
	network *chaincfg.Params
}

// New creates an assembler for the given network
func New(engine SigningEngine, network *chaincfg.Params) *Assembler {
	return &Assembler{engine: engine, network: network}
}

// ValidateAddress checks that destination is an address on our network
func ValidateAddress(destination string, network *chaincfg.Params) (btcutil.Address, error) {
	trimmed := strings.TrimSpace(destination)
	if trimmed == "" {
		return nil, ErrAddressInvalid
	}
	address, err := btcutil.DecodeAddress(trimmed, network)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrAddressInvalid)
	}
	if !address.IsForNet(network) {
		return nil, fmt.Errorf("address is not for %s: %w", network.Name, ErrAddressInvalid)
	}
	return address, nil
}

func (a *Assembler) assemble(ctx context.Context, amount btcutil.Amount,
	destination string, rate fees.Rate) (TransactionData, error) {
	if amount <= 0 {
		return TransactionData{}, ErrInvalidAmount
	}
	if rate <= 0 {
		return TransactionData{}, ErrInvalidFeeRate
	}
	address, err := ValidateAddress(destination, a.network)
	if err != nil {
		return TransactionData{}, err
	}

	data, err := a.engine.AssembleTransaction(ctx, amount, address.EncodeAddress(), rate)
	if err != nil {
		return TransactionData{}, classify(err)
	}
	return data, nil
}

// Standard builds a single candidate for tier, with the quoted rate clamped
// to floor
func (a *Assembler) Standard(ctx context.Context, amount btcutil.Amount,
	destination string, quote fees.Quote, tier fees.Tier, floor fees.Rate) (TransactionData, error) {
	rate, err := fees.SelectRate(quote, tier, floor)
	if err != nil {
		return TransactionData{}, err
	}
	data, err := a.assemble(ctx, amount, destination, rate)
	if err != nil {
		return TransactionData{}, err
	}
	data.Tier = tier
	return data, nil
}

// RequiredRate builds a candidate paying exactly rate. This is used when the
// receiver dictates the fee rate, so no floor adjustment happens.
func (a *Assembler) RequiredRate(ctx context.Context, amount btcutil.Amount,
	destination string, rate fees.Rate) (TransactionData, error) {
	return a.assemble(ctx, amount, destination, rate)
}

// Tiered builds one candidate per fee tier. The low tier must succeed for the
// call to succeed. Failing medium and high tiers are left out.
func (a *Assembler) Tiered(ctx context.Context, amount btcutil.Amount,
	destination string, quote fees.Quote, floor fees.Rate) (Candidates, error) {
	rates, err := fees.SelectAll(quote, floor)
	if err != nil {
		return Candidates{}, err
	}

	low, err := a.assemble(ctx, amount, destination, rates[fees.Cheap])
	if err != nil {
		return Candidates{}, err
	}
	low.Tier = fees.Cheap
	candidates := Candidates{Low: low}

	optional := func(tier fees.Tier) *TransactionData {
		data, err := a.assemble(ctx, amount, destination, rates[tier])
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"tier":   tier,
				"rate":   rates[tier],
				"amount": amount,
			}).Debug("Leaving out candidate")
			return nil
		}
		data.Tier = tier
		return &data
	}
	candidates.Medium = optional(fees.Slow)
	candidates.High = optional(fees.Fast)

	return candidates, nil
}

// MaxSend builds a candidate spending every spendable UTXO to destination
func (a *Assembler) MaxSend(ctx context.Context, destination string,
	rate fees.Rate) (TransactionData, error) {
	if rate <= 0 {
		return TransactionData{}, ErrInvalidFeeRate
	}
	address, err := ValidateAddress(destination, a.network)
	if err != nil {
		return TransactionData{}, err
	}
	data, err := a.engine.AssembleMaxSend(ctx, address.EncodeAddress(), rate)
	if err != nil {
		return TransactionData{}, classify(err)
	}
	data.IsMaxSend = true
	return data, nil
}

// EstimateFee estimates the fee of a transaction to a not yet known address
func EstimateFee(rate fees.Rate) btcutil.Amount {
	return rate.FeeForSize(PlaceholderVSize)
}

// classify makes sure engine errors carry a class. Engines that don't use our
// sentinels produce unclassified errors.
func classify(err error) error {
	if payerr.ClassOf(err) != payerr.Unclassified {
		return err
	}
	return fmt.Errorf("signing engine: %w", err)
}
