// Package mock has in-memory stand-ins for the signing engine and the server,
// with call counters tests can assert on
package mock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/dropbit/assembler"
	"gitlab.com/arcanecrypto/dropbit/fees"
	"gitlab.com/arcanecrypto/dropbit/network"
	"gitlab.com/arcanecrypto/dropbit/payerr"
)

var log = logrus.New()

// DefaultVSize is the size of transactions built by SigningEngine
const DefaultVSize = 141

var _ assembler.SigningEngine = &SigningEngine{}

// SigningEngine builds fake transactions out of a balance
type SigningEngine struct {
	sync.Mutex
	Balance btcutil.Amount
	UTXOs   int
	VSize   int
	calls   int
}

// NewSigningEngine creates an engine with the given balance spread over a
// single UTXO
func NewSigningEngine(balance btcutil.Amount) *SigningEngine {
	utxos := 1
	if balance == 0 {
		utxos = 0
	}
	return &SigningEngine{Balance: balance, UTXOs: utxos, VSize: DefaultVSize}
}

func (s *SigningEngine) build(destination string, amount btcutil.Amount,
	rate fees.Rate, maxSend bool) (assembler.TransactionData, error) {
	s.calls++
	if s.UTXOs == 0 {
		return assembler.TransactionData{}, assembler.ErrNoSpendableUTXOs
	}
	fee := rate.FeeForSize(s.VSize)
	if maxSend {
		amount = s.Balance - fee
	}
	if amount <= 0 || amount+fee > s.Balance {
		return assembler.TransactionData{}, assembler.ErrInsufficientFunds
	}

	// raw bytes are unique per call, so every broadcast gets its own txid
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, uint64(s.calls))
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%f", destination, amount, rate)))
	raw = append(raw, sum[:]...)

	return assembler.TransactionData{
		Destination:  destination,
		Amount:       amount,
		Fee:          fee,
		FeeRate:      rate,
		ChangeAmount: s.Balance - amount - fee,
		VirtualSize:  s.VSize,
		InputCount:   s.UTXOs,
		Raw:          raw,
	}, nil
}

// AssembleTransaction implements assembler.SigningEngine
func (s *SigningEngine) AssembleTransaction(ctx context.Context, amount btcutil.Amount,
	destination string, rate fees.Rate) (assembler.TransactionData, error) {
	s.Lock()
	defer s.Unlock()
	return s.build(destination, amount, rate, false)
}

// AssembleMaxSend implements assembler.SigningEngine
func (s *SigningEngine) AssembleMaxSend(ctx context.Context, destination string,
	rate fees.Rate) (assembler.TransactionData, error) {
	s.Lock()
	defer s.Unlock()
	return s.build(destination, 0, rate, true)
}

// Calls returns how many transactions the engine was asked to build
func (s *SigningEngine) Calls() int {
	s.Lock()
	defer s.Unlock()
	return s.calls
}

// TxidFor returns the txid the fake server assigns to raw
func TxidFor(raw []byte) string {
	return chainhash.DoubleHashH(raw).String()
}

var _ network.Client = &Server{}

// Server is a fake server. Address requests are deduplicated by request id,
// like the real one.
type Server struct {
	mu sync.Mutex

	// requests by client request id
	requests map[string]*network.WalletAddressRequestResponse
	// request ids in creation order
	order []string

	createCalls    int
	preauthCalls   int
	broadcastCalls int
	payloads       []network.SharedPayloadPost
	lightningCalls int

	// CreateErr is returned by CreateAddressRequest, after the request is
	// recorded if CreateErrAfterRecording is set
	CreateErr               error
	CreateErrAfterRecording bool
	// FailDelivery creates requests, but reports that the SMS could not be
	// sent
	FailDelivery bool
	// CreateDelay is waited before answering create calls
	CreateDelay time.Duration
	// BeforeCreate runs before a create call is answered
	BeforeCreate func()

	PreauthErr   error
	BroadcastErr error
	// PayloadErr is returned by PostSharedPayload
	PayloadErr error
	// PayloadDelay is waited before answering shared payload posts
	PayloadDelay time.Duration
	LightningErr error
	FetchErr     error

	// Confirmations are returned by FetchTransactionConfirmations
	Confirmations map[string]network.TransactionConfirmation
}

// NewServer creates an empty fake server
func NewServer() *Server {
	return &Server{
		requests:      make(map[string]*network.WalletAddressRequestResponse),
		Confirmations: make(map[string]network.TransactionConfirmation),
	}
}

func wait(ctx context.Context, op string, d time.Duration) error {
	if d == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return payerr.Transient(op, ctx.Err())
	case <-time.After(d):
		return nil
	}
}

// CreateAddressRequest implements network.Client
func (s *Server) CreateAddressRequest(ctx context.Context,
	body network.WalletAddressRequestBody) (network.WalletAddressRequestResponse, error) {
	s.mu.Lock()
	s.createCalls++
	delay, before := s.CreateDelay, s.BeforeCreate
	s.mu.Unlock()

	if before != nil {
		before()
	}
	if err := wait(ctx, "create address request", delay); err != nil {
		return network.WalletAddressRequestResponse{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil && !s.CreateErrAfterRecording {
		return network.WalletAddressRequestResponse{}, s.CreateErr
	}

	existing, ok := s.requests[body.RequestID]
	if !ok {
		requestID := body.RequestID
		amount := body.Amount
		existing = &network.WalletAddressRequestResponse{
			ID:     uuid.New().String(),
			Status: network.RequestStatusNew,
			Metadata: &network.RequestMetadata{
				Amount:    &amount,
				RequestID: &requestID,
				PreauthID: body.PreauthID,
			},
		}
		s.requests[body.RequestID] = existing
		s.order = append(s.order, body.RequestID)
		log.WithFields(logrus.Fields{
			"requestId": body.RequestID,
			"id":        existing.ID,
		}).Info("MOCK: Created address request")
	}

	if s.CreateErr != nil {
		return network.WalletAddressRequestResponse{}, s.CreateErr
	}
	if s.FailDelivery {
		return network.WalletAddressRequestResponse{},
			network.NewDeliveryFailedError(*existing, "sms", "MOCK: gateway unavailable")
	}
	return *existing, nil
}

// PreauthorizeLightningPayment implements network.Client
func (s *Server) PreauthorizeLightningPayment(ctx context.Context,
	req network.PreauthRequest) (network.PreauthResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preauthCalls++
	if s.PreauthErr != nil {
		return network.PreauthResponse{}, s.PreauthErr
	}
	return network.PreauthResponse{ID: "preauth-" + req.RequestID}, nil
}

// BroadcastTransaction implements network.Client
func (s *Server) BroadcastTransaction(ctx context.Context, req network.BroadcastRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastCalls++
	if s.BroadcastErr != nil {
		return "", s.BroadcastErr
	}
	raw, err := decodeHex(req.RawTx)
	if err != nil {
		return "", payerr.Wrap(payerr.UserActionable, "broadcast", err)
	}
	return TxidFor(raw), nil
}

// PostSharedPayload implements network.Client
func (s *Server) PostSharedPayload(ctx context.Context, post network.SharedPayloadPost) error {
	s.mu.Lock()
	delay := s.PayloadDelay
	s.mu.Unlock()
	if err := wait(ctx, "post shared payload", delay); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PayloadErr != nil {
		return s.PayloadErr
	}
	s.payloads = append(s.payloads, post)
	return nil
}

// FetchSatisfiedAddressRequests implements network.Client
func (s *Server) FetchSatisfiedAddressRequests(ctx context.Context) ([]network.WalletAddressRequestResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FetchErr != nil {
		return nil, s.FetchErr
	}
	var res []network.WalletAddressRequestResponse
	for _, id := range s.order {
		res = append(res, *s.requests[id])
	}
	return res, nil
}

// FetchAddressRequest implements network.Client
func (s *Server) FetchAddressRequest(ctx context.Context, id string) (network.WalletAddressRequestResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.requests {
		if req.ID == id {
			return *req, nil
		}
	}
	return network.WalletAddressRequestResponse{},
		payerr.New(payerr.UserActionable, "MOCK: no such address request")
}

// FetchTransactionConfirmations implements network.Client
func (s *Server) FetchTransactionConfirmations(ctx context.Context,
	txids []string) ([]network.TransactionConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FetchErr != nil {
		return nil, s.FetchErr
	}
	var res []network.TransactionConfirmation
	for _, txid := range txids {
		if conf, ok := s.Confirmations[txid]; ok {
			res = append(res, conf)
		}
	}
	return res, nil
}

// PayLightningRequest implements network.Client
func (s *Server) PayLightningRequest(ctx context.Context,
	req network.LightningPaymentRequest) (network.LightningPaymentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lightningCalls++
	if s.LightningErr != nil {
		return network.LightningPaymentResponse{}, s.LightningErr
	}
	return network.LightningPaymentResponse{Fee: 1}, nil
}

// ProvideAddress simulates the receiver providing an address for the request
// created with requestID
func (s *Server) ProvideAddress(requestID, address string, pubkey *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		panic("MOCK: no request with id " + requestID)
	}
	req.Address = &address
	req.AddressPubkey = pubkey
}

// SetStatus sets the server side status of the request created with
// requestID
func (s *Server) SetStatus(requestID string, status network.RequestStatus, txid *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		panic("MOCK: no request with id " + requestID)
	}
	req.Status = status
	req.Txid = txid
}

// Request returns the request created with requestID
func (s *Server) Request(requestID string) (network.WalletAddressRequestResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return network.WalletAddressRequestResponse{}, false
	}
	return *req, true
}

// CreateCalls is how many create calls reached the server
func (s *Server) CreateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls
}

// CreatedRequests is how many distinct address requests exist
func (s *Server) CreatedRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// PreauthCalls is how many preauthorizations were made
func (s *Server) PreauthCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preauthCalls
}

// BroadcastCalls is how many broadcasts were attempted
func (s *Server) BroadcastCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcastCalls
}

// LightningCalls is how many lightning payments were attempted
func (s *Server) LightningCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lightningCalls
}

// Payloads returns the shared payloads that were accepted
func (s *Server) Payloads() []network.SharedPayloadPost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]network.SharedPayloadPost(nil), s.payloads...)
}

// Configure changes the server's behaviour while holding its lock
func (s *Server) Configure(fn func(s *Server)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
