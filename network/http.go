package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/dropbit/build"
	"gitlab.com/arcanecrypto/dropbit/payerr"
)

var log = build.AddSubLogger("NETW")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var validate = validator.New()

const (
	// DefaultTimeout bounds every call made by the HTTP client
	DefaultTimeout = 30 * time.Second

	// deliveryFailedCode is the error code the server uses when an address
	// request was created but the receiver couldn't be notified
	deliveryFailedCode = "sms_delivery_failed"
	// DeliveryStatusFailed is the delivery status of a request whose
	// notification couldn't be sent
	DeliveryStatusFailed = "failed"

	idempotencyHeader = "Idempotency-Key"
)

const (
	pathAddressRequests          = "/v1/wallet/address_requests"
	pathSatisfiedAddressRequests = "/v1/wallet/address_requests/satisfied"
	pathPreauth                  = "/v1/wallet/lightning/preauth"
	pathLightningPayments        = "/v1/wallet/lightning/payments"
	pathBroadcast                = "/v1/broadcast"
	pathSharedPayloads           = "/v1/wallet/shared_payloads"
	pathConfirmations            = "/v1/transactions/confirmations"
)

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	BaseURL string        `yaml:"baseUrl"`
	Timeout time.Duration `yaml:"timeout"`
	// WalletID is sent with every request to identify the caller
	WalletID string `yaml:"walletId"`
}

// HTTPClient talks to the server over HTTP
type HTTPClient struct {
	baseURL  string
	walletID string
	http     *http.Client
}

var _ Client = &HTTPClient{}

// NewHTTPClient creates a new HTTP client
func NewHTTPClient(conf HTTPConfig) (*HTTPClient, error) {
	if conf.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	timeout := conf.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		baseURL:  strings.TrimSuffix(conf.BaseURL, "/"),
		walletID: conf.WalletID,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

// APIError is a non-successful response from the server
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
	// AddressRequest is set when the server created an address request
	// despite the error
	AddressRequest *WalletAddressRequestResponse `json:"address_request,omitempty"`
	Provider       string                        `json:"provider,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server responded with %d %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("server responded with %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// classifyStatus maps a HTTP status code into an error class
func classifyStatus(status int) payerr.Class {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return payerr.TransientNetwork
	case status >= 400:
		return payerr.UserActionable
	default:
		return payerr.Unclassified
	}
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string,
	idempotencyKey string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		if err := validate.Struct(body); err != nil {
			return payerr.Wrap(payerr.UserActionable, op, err)
		}
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "%s: could not encode body", op)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrapf(err, "%s: could not create request", op)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.walletID != "" {
		req.Header.Set("X-Wallet-Id", c.walletID)
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		// the request may or may not have reached the server
		return payerr.Transient(op, err)
	}
	defer func() { _ = res.Body.Close() }()

	log.WithFields(logrus.Fields{
		"method":  method,
		"path":    path,
		"status":  res.StatusCode,
		"latency": time.Since(start),
	}).Debug("Server call")

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return payerr.Transient(op, err)
	}

	if res.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: res.StatusCode}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, apiErr); err != nil {
				apiErr.Message = string(raw)
			}
		}
		if apiErr.Code == deliveryFailedCode && apiErr.AddressRequest != nil {
			return NewDeliveryFailedError(*apiErr.AddressRequest, apiErr.Provider, apiErr.Message)
		}
		return payerr.Wrap(classifyStatus(res.StatusCode), op, apiErr)
	}

	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return errors.Wrapf(err, "%s: could not decode response", op)
	}
	return nil
}

// CreateAddressRequest implements Client
func (c *HTTPClient) CreateAddressRequest(ctx context.Context,
	body WalletAddressRequestBody) (WalletAddressRequestResponse, error) {
	var res WalletAddressRequestResponse
	err := c.do(ctx, "create address request", http.MethodPost,
		pathAddressRequests, body.RequestID, body, &res)
	if err != nil {
		return WalletAddressRequestResponse{}, err
	}
	if res.DeliveryStatus != nil && *res.DeliveryStatus == DeliveryStatusFailed {
		return res, NewDeliveryFailedError(res, "sms", "delivery status is failed")
	}
	return res, nil
}

// PreauthorizeLightningPayment implements Client
func (c *HTTPClient) PreauthorizeLightningPayment(ctx context.Context,
	req PreauthRequest) (PreauthResponse, error) {
	var res PreauthResponse
	err := c.do(ctx, "preauthorize lightning payment", http.MethodPost,
		pathPreauth, req.RequestID, req, &res)
	return res, err
}

// BroadcastTransaction implements Client
func (c *HTTPClient) BroadcastTransaction(ctx context.Context, req BroadcastRequest) (string, error) {
	var res struct {
		Txid string `json:"txid"`
	}
	if err := c.do(ctx, "broadcast", http.MethodPost, pathBroadcast, "", req, &res); err != nil {
		return "", err
	}
	if err := ValidateTxid(res.Txid); err != nil {
		return "", err
	}
	return res.Txid, nil
}

// PostSharedPayload implements Client
func (c *HTTPClient) PostSharedPayload(ctx context.Context, post SharedPayloadPost) error {
	return c.do(ctx, "post shared payload", http.MethodPost, pathSharedPayloads, post.Txid, post, nil)
}

// FetchSatisfiedAddressRequests implements Client
func (c *HTTPClient) FetchSatisfiedAddressRequests(ctx context.Context) ([]WalletAddressRequestResponse, error) {
	res := []WalletAddressRequestResponse{}
	err := c.do(ctx, "fetch satisfied address requests", http.MethodGet,
		pathSatisfiedAddressRequests, "", nil, &res)
	return res, err
}

// FetchAddressRequest implements Client
func (c *HTTPClient) FetchAddressRequest(ctx context.Context, id string) (WalletAddressRequestResponse, error) {
	if id == "" {
		return WalletAddressRequestResponse{}, payerr.New(payerr.UserActionable, "address request id is required")
	}
	var res WalletAddressRequestResponse
	err := c.do(ctx, "fetch address request", http.MethodGet,
		pathAddressRequests+"/"+url.PathEscape(id), "", nil, &res)
	return res, err
}

// FetchTransactionConfirmations implements Client
func (c *HTTPClient) FetchTransactionConfirmations(ctx context.Context,
	txids []string) ([]TransactionConfirmation, error) {
	if len(txids) == 0 {
		return nil, nil
	}
	body := struct {
		Txids []string `json:"txids" validate:"required,dive,len=64,hexadecimal"`
	}{Txids: txids}
	res := []TransactionConfirmation{}
	err := c.do(ctx, "fetch transaction confirmations", http.MethodPost,
		pathConfirmations, "", body, &res)
	return res, err
}

// PayLightningRequest implements Client
func (c *HTTPClient) PayLightningRequest(ctx context.Context,
	req LightningPaymentRequest) (LightningPaymentResponse, error) {
	var res LightningPaymentResponse
	err := c.do(ctx, "pay lightning request", http.MethodPost,
		pathLightningPayments, "", req, &res)
	return res, err
}
