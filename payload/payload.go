// Package payload builds the metadata shared with the receiver of a payment.
// Payloads are sealed to the receiver's key when it's known, and sent as
// plain JSON otherwise.
package payload

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/box"

	"gitlab.com/arcanecrypto/dropbit/network"
	"gitlab.com/arcanecrypto/dropbit/payerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Version is the payload format version
const Version = 1

// CurrencyUSD is the only fiat currency amounts are shared in
const CurrencyUSD = "USD"

var (
	// ErrEmptyPayload means there's nothing worth sharing
	ErrEmptyPayload = errors.New("shared payload is empty")
	// ErrInvalidKey means the receiver's public key couldn't be parsed
	ErrInvalidKey = payerr.New(payerr.DataCorruption, "invalid receiver public key")
)

// Info is what the sender says about the payment
type Info struct {
	Memo string `json:"memo"`
	// Amount is in the smallest unit of Currency
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Profile identifies the sender to the receiver
type Profile struct {
	Type        network.IdentityType `json:"type"`
	Identity    string               `json:"identity"`
	DisplayName *string              `json:"display_name,omitempty"`
}

// SharedPayload is metadata about a transaction, shared with its receiver
type SharedPayload struct {
	Version int      `json:"v"`
	Txid    string   `json:"txid"`
	Info    Info     `json:"info"`
	Profile *Profile `json:"profile,omitempty"`
}

// New creates a payload for txid
func New(txid, memo string, usdCents int64, sender *network.Identity) SharedPayload {
	p := SharedPayload{
		Version: Version,
		Txid:    txid,
		Info: Info{
			Memo:     strings.TrimSpace(memo),
			Amount:   usdCents,
			Currency: CurrencyUSD,
		},
	}
	if sender != nil {
		p.Profile = &Profile{
			Type:        sender.Type,
			Identity:    sender.Identity,
			DisplayName: sender.Handle,
		}
	}
	return p
}

// IsEmpty reports whether there's nothing to share
func (p SharedPayload) IsEmpty() bool {
	return p.Info.Memo == "" && p.Profile == nil
}

// ParsePublicKey parses a hex encoded Curve25519 public key
func ParsePublicKey(encoded string) (*[32]byte, error) {
	decoded, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKey, err.Error())
	}
	if len(decoded) != 32 {
		return nil, errors.Wrapf(ErrInvalidKey, "key is %d bytes", len(decoded))
	}
	var key [32]byte
	copy(key[:], decoded)
	return &key, nil
}

// Encode encodes the payload as JSON. If receiverKey is set the JSON is
// sealed to it, and base64 encoded.
func (p SharedPayload) Encode(receiverKey *[32]byte) (string, bool, error) {
	if p.IsEmpty() {
		return "", false, ErrEmptyPayload
	}
	encoded, err := json.Marshal(p)
	if err != nil {
		return "", false, errors.Wrap(err, "could not encode shared payload")
	}
	if receiverKey == nil {
		return string(encoded), false, nil
	}

	sealed, err := box.SealAnonymous(nil, encoded, receiverKey, rand.Reader)
	if err != nil {
		return "", false, errors.Wrap(err, "could not seal shared payload")
	}
	return base64.StdEncoding.EncodeToString(sealed), true, nil
}

// Post builds the network request posting this payload for a payment to
// address. receiverKey is optional, see Encode.
func (p SharedPayload) Post(address string, receiverKey *[32]byte) (network.SharedPayloadPost, error) {
	encoded, encrypted, err := p.Encode(receiverKey)
	if err != nil {
		return network.SharedPayloadPost{}, err
	}
	return network.SharedPayloadPost{
		Txid:      p.Txid,
		Address:   address,
		Payload:   encoded,
		Encrypted: encrypted,
	}, nil
}

// Decode parses a payload, opening it with the given key pair if it's sealed
func Decode(post network.SharedPayloadPost, publicKey, privateKey *[32]byte) (SharedPayload, error) {
	raw := []byte(post.Payload)
	if post.Encrypted {
		if publicKey == nil || privateKey == nil {
			return SharedPayload{}, errors.New("a key pair is required to open a sealed payload")
		}
		sealed, err := base64.StdEncoding.DecodeString(post.Payload)
		if err != nil {
			return SharedPayload{}, errors.Wrap(err, "sealed payload is not base64")
		}
		opened, ok := box.OpenAnonymous(nil, sealed, publicKey, privateKey)
		if !ok {
			return SharedPayload{}, errors.New("could not open sealed payload")
		}
		raw = opened
	}

	var p SharedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return SharedPayload{}, errors.Wrap(err, "could not decode shared payload")
	}
	return p, nil
}
