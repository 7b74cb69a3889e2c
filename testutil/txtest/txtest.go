// Package txtest generates fake transaction data for tests
package txtest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

var (
	// these variables are used for generating a payment request
	testPrivKeyBytes, _ = hex.DecodeString("e126f68f7eafcc8b74f54d269fe206be715000f94dac067d1c04a8ca3b2db734")
	testPrivKey, _      = btcec.PrivKeyFromBytes(btcec.S256(), testPrivKeyBytes)
	messageSigner       = zpay32.MessageSigner{
		SignCompact: func(hash []byte) ([]byte, error) {
			sig, err := btcec.SignCompact(btcec.S256(),
				testPrivKey, hash, true)
			if err != nil {
				return nil, fmt.Errorf("can't sign the "+
					"message: %v", err)
			}
			return sig, nil
		},
	}
)

// Network is the chain fake data is generated for
var Network = &chaincfg.TestNet3Params

// MockPreimage will create a random preimage
func MockPreimage() []byte {
	p := make([]byte, 32)
	_, _ = rand.Read(p)
	return p
}

// MockTxid will create a random txid
func MockTxid() string {
	return hex.EncodeToString(MockPreimage())
}

// MockAddress creates a random P2WPKH address for the given network
func MockAddress(params *chaincfg.Params) btcutil.Address {
	program := make([]byte, 20)
	_, _ = rand.Read(program)
	address, err := btcutil.NewAddressWitnessPubKeyHash(program, params)
	if err != nil {
		panic(fmt.Errorf("could not create address: %w", err))
	}
	return address
}

// MockAmount creates a random amount between min and max satoshis
func MockAmount(min, max int64) btcutil.Amount {
	return btcutil.Amount(rand.Int63n(max-min+1) + min)
}

// MockMaybeString will sometimes return nil, and other times return a
// string using the argument function
func MockMaybeString(fn func() string) *string {
	var res *string
	if gofakeit.Bool() {
		r := fn()
		res = &r
	}
	return res
}

// MockPhoneNumber creates a random E.164 phone number
func MockPhoneNumber() string {
	return fmt.Sprintf("+1%010d", rand.Int63n(10000000000))
}

// InvoiceArgs describes a payment request to generate
type InvoiceArgs struct {
	// Amount is left out of the invoice if zero
	Amount      btcutil.Amount
	Description string
	// Timestamp defaults to now
	Timestamp time.Time
	// Expiry defaults to an hour
	Expiry time.Duration
}

// MockPaymentRequest mocks a payment request using lnd's zpay32 library. It
// returns the encoded invoice and its payment hash.
func MockPaymentRequest(params *chaincfg.Params, args InvoiceArgs) (string, string) {
	paymentHash := sha256.Sum256(MockPreimage())

	timestamp := args.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	description := args.Description
	if description == "" {
		description = gofakeit.HipsterSentence(4)
	}
	options := []func(*zpay32.Invoice){zpay32.Description(description)}
	if args.Amount > 0 {
		options = append(options, zpay32.Amount(lnwire.NewMSatFromSatoshis(args.Amount)))
	}
	if args.Expiry > 0 {
		options = append(options, zpay32.Expiry(args.Expiry))
	}

	invoice, err := zpay32.NewInvoice(params, paymentHash, timestamp, options...)
	if err != nil {
		panic(fmt.Errorf("could not create paymentrequest: %w", err))
	}

	paymentRequest, err := invoice.Encode(messageSigner)
	if err != nil {
		panic(fmt.Errorf("could not sign invoice: %w", err))
	}

	return paymentRequest, hex.EncodeToString(paymentHash[:])
}
