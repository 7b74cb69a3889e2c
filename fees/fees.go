// Package fees turns raw fee rate quotes into tiered, floor adjusted rates
// that are safe to build transactions with.
package fees

import (
	"fmt"
	"math"
	"strings"

	"github.com/btcsuite/btcutil"

	"gitlab.com/arcanecrypto/dropbit/payerr"
)

var (
	// ErrFeeBelowFloor means not even the fast tier reaches the minimum
	// usable rate. This indicates bad quote data.
	ErrFeeBelowFloor = payerr.New(payerr.UserActionable, "fee rate is below the minimum usable rate")
	// ErrInvalidQuote means the quote contains non-finite or negative rates
	ErrInvalidQuote = payerr.New(payerr.UserActionable, "fee quote is invalid")
	// ErrUnknownTier means a tier outside fast/slow/cheap was requested
	ErrUnknownTier = payerr.New(payerr.UserActionable, "unknown fee tier")
)

// DefaultFloor is the minimum relay fee most nodes accept
const DefaultFloor Rate = 1

// Rate is a fee rate in satoshis per virtual byte
type Rate float64

// FeeForSize is the fee paid by a transaction of the given virtual size,
// rounded up to the nearest satoshi
func (r Rate) FeeForSize(vbytes int) btcutil.Amount {
	return btcutil.Amount(math.Ceil(float64(r) * float64(vbytes)))
}

func (r Rate) String() string {
	return fmt.Sprintf("%.2f sat/vB", float64(r))
}

func (r Rate) valid() bool {
	f := float64(r)
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f >= 0
}

// Tier is a named confirmation speed
type Tier string

const (
	Fast  Tier = "fast"
	Slow  Tier = "slow"
	Cheap Tier = "cheap"
)

// Tiers lists all tiers, fastest first
var Tiers = []Tier{Fast, Slow, Cheap}

// ParseTier parses a tier name, case insensitively
func ParseTier(s string) (Tier, error) {
	tier := Tier(strings.ToLower(strings.TrimSpace(s)))
	switch tier {
	case Fast, Slow, Cheap:
		return tier, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownTier)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Quote is a fee rate quote with one rate per tier
type Quote struct {
	Fast  Rate `json:"fast"`
	Slow  Rate `json:"slow"`
	Cheap Rate `json:"cheap"`
}

// Rate returns the raw quoted rate for tier
func (q Quote) Rate(tier Tier) (Rate, error) {
	switch tier {
	case Fast:
		return q.Fast, nil
	case Slow:
		return q.Slow, nil
	case Cheap:
		return q.Cheap, nil
	default:
		return 0, fmt.Errorf("%q: %w", tier, ErrUnknownTier)
	}
}

func (q Quote) validate() error {
	if !q.Fast.valid() || !q.Slow.valid() || !q.Cheap.valid() {
		return ErrInvalidQuote
	}
	return nil
}

// FromEstimate builds a quote from estimates denominated in BTC per 1000
// virtual bytes, which is what bitcoind's estimatesmartfee returns
func FromEstimate(fastBtcPerKvB, slowBtcPerKvB, cheapBtcPerKvB float64) (Quote, error) {
	convert := func(btcPerKvB float64) (Rate, error) {
		perKvB, err := btcutil.NewAmount(btcPerKvB)
		if err != nil {
			return 0, fmt.Errorf("%v: %w", err, ErrInvalidQuote)
		}
		return Rate(perKvB.ToUnit(btcutil.AmountSatoshi) / 1000), nil
	}

	var quote Quote
	var err error
	if quote.Fast, err = convert(fastBtcPerKvB); err != nil {
		return Quote{}, err
	}
	if quote.Slow, err = convert(slowBtcPerKvB); err != nil {
		return Quote{}, err
	}
	if quote.Cheap, err = convert(cheapBtcPerKvB); err != nil {
		return Quote{}, err
	}
	return quote, quote.validate()
}

// SelectRate returns the rate to use for tier. Rates below walletFloor are
// raised to it. If even the fast tier is below the floor the quote can't be
// trusted, and ErrFeeBelowFloor is returned.
func SelectRate(quote Quote, tier Tier, walletFloor Rate) (Rate, error) {
	if err := quote.validate(); err != nil {
		return 0, err
	}
	if !walletFloor.valid() {
		return 0, fmt.Errorf("floor %v: %w", walletFloor, ErrInvalidQuote)
	}

	rate, err := quote.Rate(tier)
	if err != nil {
		return 0, err
	}

	if quote.Fast < walletFloor {
		return 0, ErrFeeBelowFloor
	}

	if rate < walletFloor {
		return walletFloor, nil
	}
	return rate, nil
}

// UsableTiers lists the tiers whose quoted rate is at or above the floor,
// fastest first
func UsableTiers(quote Quote, walletFloor Rate) []Tier {
	if quote.validate() != nil {
		return nil
	}
	var usable []Tier
	for _, tier := range Tiers {
		rate, _ := quote.Rate(tier)
		if rate >= walletFloor {
			usable = append(usable, tier)
		}
	}
	return usable
}

// SelectAll selects a rate for every tier. See SelectRate.
func SelectAll(quote Quote, walletFloor Rate) (map[Tier]Rate, error) {
	rates := make(map[Tier]Rate, len(Tiers))
	for _, tier := range Tiers {
		rate, err := SelectRate(quote, tier, walletFloor)
		if err != nil {
			return nil, err
		}
		rates[tier] = rate
	}
	return rates, nil
}
