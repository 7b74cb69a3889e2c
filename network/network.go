// Package network defines the server API the settlement core talks to: the
// wire shapes it sends and receives, and a client interface with an HTTP
// implementation.
package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcutil"

	"gitlab.com/arcanecrypto/dropbit/payerr"
)

// Client is the server API. Every method may block on a network round trip
// and must honour ctx.
type Client interface {
	// CreateAddressRequest asks the server to create an address request
	// for a counterparty. body.RequestID is an idempotency key.
	CreateAddressRequest(ctx context.Context, body WalletAddressRequestBody) (WalletAddressRequestResponse, error)
	// PreauthorizeLightningPayment reserves amount for a lightning
	// invitation
	PreauthorizeLightningPayment(ctx context.Context, req PreauthRequest) (PreauthResponse, error)
	// BroadcastTransaction broadcasts a signed transaction, returning its
	// txid
	BroadcastTransaction(ctx context.Context, req BroadcastRequest) (string, error)
	// PostSharedPayload posts metadata for a transaction. Best effort.
	PostSharedPayload(ctx context.Context, post SharedPayloadPost) error
	// FetchSatisfiedAddressRequests returns the sender's address requests
	// whose status changed on the server side
	FetchSatisfiedAddressRequests(ctx context.Context) ([]WalletAddressRequestResponse, error)
	// FetchAddressRequest returns a single address request by server id
	FetchAddressRequest(ctx context.Context, id string) (WalletAddressRequestResponse, error)
	// FetchTransactionConfirmations returns chain data for the given txids
	FetchTransactionConfirmations(ctx context.Context, txids []string) ([]TransactionConfirmation, error)
	// PayLightningRequest pays an encoded lightning invoice
	PayLightningRequest(ctx context.Context, req LightningPaymentRequest) (LightningPaymentResponse, error)
}

// AddressType is the kind of address a request asks for
type AddressType string

const (
	AddressTypeBTC       AddressType = "btc"
	AddressTypeLightning AddressType = "lightning"
)

// IdentityType is the kind of identity a counterparty is addressed by
type IdentityType string

const (
	IdentityPhone   IdentityType = "phone"
	IdentityTwitter IdentityType = "twitter"
	// IdentityUser is a counterparty that's already a registered user
	IdentityUser IdentityType = "user"
)

// RequestStatus is the server side status of an address request
type RequestStatus string

const (
	RequestStatusNew       RequestStatus = "new"
	RequestStatusCompleted RequestStatus = "completed"
	RequestStatusCanceled  RequestStatus = "canceled"
	RequestStatusExpired   RequestStatus = "expired"
)

// RequestAmount is an amount in both BTC (satoshis) and USD (cents)
type RequestAmount struct {
	Btc int64 `json:"btc"`
	Usd int64 `json:"usd"`
}

// Identity identifies a sender or receiver
type Identity struct {
	Type     IdentityType `json:"type" validate:"required,oneof=phone twitter user"`
	Identity string       `json:"identity" validate:"required"`
	Handle   *string      `json:"handle,omitempty"`
}

// WalletAddressRequestBody is the body of a create address request call.
// Field order and tags define the wire format.
type WalletAddressRequestBody struct {
	Amount      RequestAmount `json:"amount"`
	Receiver    Identity      `json:"receiver"`
	Sender      Identity      `json:"sender"`
	RequestID   string        `json:"request_id" validate:"required,uuid4"`
	AddressType AddressType   `json:"address_type" validate:"required,oneof=btc lightning"`
	PreauthID   *string       `json:"preauth_id,omitempty"`
}

// RequestMetadata is optional information the server attaches to a request
type RequestMetadata struct {
	Amount   *RequestAmount `json:"amount,omitempty"`
	Sender   *Identity      `json:"sender,omitempty"`
	Receiver *Identity      `json:"receiver,omitempty"`
	// RequestID echoes WalletAddressRequestBody.RequestID
	RequestID *string `json:"request_id,omitempty"`
	// PreauthID echoes WalletAddressRequestBody.PreauthID
	PreauthID *string `json:"preauth_id,omitempty"`
}

// WalletAddressRequestResponse is the server's view of an address request
type WalletAddressRequestResponse struct {
	ID       string           `json:"id"`
	Status   RequestStatus    `json:"status"`
	Metadata *RequestMetadata `json:"metadata,omitempty"`
	// Address is set once the receiver has provided one
	Address *string `json:"address,omitempty"`
	// AddressPubkey is the receiver's key for encrypting shared payloads
	AddressPubkey *string `json:"address_pubkey,omitempty"`
	// Txid is set once the server has seen the request being paid
	Txid *string `json:"txid,omitempty"`
	// DeliveryStatus is the status of the notification sent to the
	// receiver, e.g. an SMS
	DeliveryStatus *string `json:"delivery_status,omitempty"`
}

// RequestIDFromMetadata returns the client generated request id, if the
// server echoed it back
func (w WalletAddressRequestResponse) RequestIDFromMetadata() (string, bool) {
	if w.Metadata == nil || w.Metadata.RequestID == nil {
		return "", false
	}
	return *w.Metadata.RequestID, true
}

// PreauthRequest reserves an amount for a lightning invitation
type PreauthRequest struct {
	Amount    int64  `json:"amount" validate:"gt=0"`
	RequestID string `json:"request_id" validate:"required"`
}

// PreauthResponse is the result of a preauthorization
type PreauthResponse struct {
	ID string `json:"id"`
}

// BroadcastRequest carries a signed, hex encoded transaction
type BroadcastRequest struct {
	RawTx string `json:"raw_tx" validate:"required,hexadecimal"`
}

// SharedPayloadPost is shared metadata for a transaction
type SharedPayloadPost struct {
	Txid    string `json:"txid" validate:"required"`
	Address string `json:"address" validate:"required"`
	// Payload is either plain JSON or a base64 encoded sealed box
	Payload   string `json:"payload" validate:"required"`
	Encrypted bool   `json:"encrypted"`
}

// TransactionConfirmation is chain data about a transaction
type TransactionConfirmation struct {
	Txid          string `json:"txid"`
	BlockHeight   *int   `json:"block_height,omitempty"`
	Confirmations int    `json:"confirmations"`
	// BlockTime is a unix timestamp, in seconds
	BlockTime *int64 `json:"block_time,omitempty"`
}

// LightningPaymentRequest pays an encoded invoice
type LightningPaymentRequest struct {
	Invoice string `json:"invoice" validate:"required"`
	// Amount is only used for invoices without an amount
	Amount    int64   `json:"amount,omitempty"`
	PreauthID *string `json:"preauth_id,omitempty"`
}

// LightningPaymentResponse is the result of a lightning payment
type LightningPaymentResponse struct {
	PaymentHash string `json:"payment_hash"`
	// Fee is in satoshis
	Fee int64 `json:"fee"`
}

// ErrInvalidTxid means the server returned something that isn't a txid
var ErrInvalidTxid = errors.New("server returned an invalid txid")

// ValidateTxid checks that txid is a 32 byte hex encoded hash
func ValidateTxid(txid string) error {
	if len(txid) != chainhash.MaxHashStringSize {
		return fmt.Errorf("%q: %w", txid, ErrInvalidTxid)
	}
	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		return fmt.Errorf("%q: %v: %w", txid, err, ErrInvalidTxid)
	}
	return nil
}

// NewRequestAmount builds a request amount
func NewRequestAmount(btc btcutil.Amount, usdCents int64) RequestAmount {
	return RequestAmount{Btc: int64(btc), Usd: usdCents}
}

// DeliveryFailedError means the server created an address request, but
// couldn't notify the receiver through its provider (e.g. an SMS gateway)
type DeliveryFailedError struct {
	Response WalletAddressRequestResponse
	Provider string
	Reason   string
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("address request %s created, but %s delivery failed: %s",
		e.Response.ID, e.Provider, e.Reason)
}

// AsDeliveryFailed extracts a DeliveryFailedError from err
func AsDeliveryFailed(err error) (*DeliveryFailedError, bool) {
	var delivery *DeliveryFailedError
	if errors.As(err, &delivery) {
		return delivery, true
	}
	return nil, false
}

// NewDeliveryFailedError wraps a delivery failure in the provider degraded class
func NewDeliveryFailedError(resp WalletAddressRequestResponse, provider, reason string) error {
	return payerr.Wrap(payerr.ProviderDegraded, "create address request",
		&DeliveryFailedError{Response: resp, Provider: provider, Reason: reason})
}
