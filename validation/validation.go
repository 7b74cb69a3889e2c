// Package validation provides validation functionality for struct tag
// fields, used with validator.
package validation

import (
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcutil"
	"github.com/go-playground/validator/v10"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/pkg/errors"
)

// IsValidAddress checks that an address decodes, and belongs to the network
func IsValidAddress(params *chaincfg.Params) validator.Func {
	return func(fl validator.FieldLevel) bool {
		address, err := btcutil.DecodeAddress(strings.TrimSpace(fl.Field().String()), params)
		if err != nil {
			return false
		}
		return address.IsForNet(params)
	}
}

// IsValidPaymentRequest checks if a payment request is valid per the configured network
func IsValidPaymentRequest(params *chaincfg.Params) validator.Func {
	return func(fl validator.FieldLevel) bool {
		encoded := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(fl.Field().String())), "lightning:")
		_, err := zpay32.Decode(encoded, params)
		return err == nil
	}
}

// IsValidTxid checks that the value is a hex encoded transaction hash
func IsValidTxid(fl validator.FieldLevel) bool {
	txid := fl.Field().String()
	if len(txid) != chainhash.MaxHashStringSize {
		return false
	}
	_, err := chainhash.NewHashFromStr(txid)
	return err == nil
}

// RegisterValidator registers a validator in our validation engine with the
// given name.
func RegisterValidator(engine *validator.Validate, name string, function validator.Func) error {
	err := engine.RegisterValidation(name, function)
	if err != nil {
		return errors.Wrapf(err, "could not register %q validation", name)
	}
	return nil
}

// New creates a validation engine with every known validator registered.
// Registration only fails on programming errors, so New panics if it does.
func New(params *chaincfg.Params) *validator.Validate {
	engine := validator.New()
	validators := []struct {
		Name     string
		Function validator.Func
	}{
		{Name: "btcaddress", Function: IsValidAddress(params)},
		{Name: "payreq", Function: IsValidPaymentRequest(params)},
		{Name: "txid", Function: IsValidTxid},
	}
	for _, elem := range validators {
		if err := RegisterValidator(engine, elem.Name, elem.Function); err != nil {
			panic(err)
		}
	}
	return engine
}
