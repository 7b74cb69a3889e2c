// Package httptestutil serves a fake server over HTTP, so the HTTP client can
// be tested against real requests and responses
package httptestutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"

	"gitlab.com/arcanecrypto/dropbit/network"
	"gitlab.com/arcanecrypto/dropbit/payerr"
	"gitlab.com/arcanecrypto/dropbit/testutil"
	"gitlab.com/arcanecrypto/dropbit/testutil/mock"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is a request the fake API received
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Failure makes the fake API answer a path with a canned response
type Failure struct {
	Status int
	Body   string
	// Delay is waited before answering
	Delay time.Duration
	// Times is how many requests fail before the path recovers. Zero
	// means forever.
	Times int
}

// FakeAPI is a gin server in front of a mock.Server
type FakeAPI struct {
	Backend *mock.Server
	server  *httptest.Server

	mu       sync.Mutex
	requests []Request
	failures map[string]*Failure
}

// NewFakeAPI starts a fake API, which is stopped when the test finishes
func NewFakeAPI(t *testing.T) *FakeAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	api := &FakeAPI{
		Backend:  mock.NewServer(),
		failures: make(map[string]*Failure),
	}

	router := gin.New()
	router.Use(api.record, api.fail)
	router.POST("/v1/wallet/address_requests", api.createAddressRequest)
	// a static "satisfied" segment would conflict with :id
	router.GET("/v1/wallet/address_requests/:id", api.getAddressRequest)
	router.POST("/v1/wallet/lightning/preauth", api.preauthorize)
	router.POST("/v1/wallet/lightning/payments", api.payLightning)
	router.POST("/v1/broadcast", api.broadcast)
	router.POST("/v1/wallet/shared_payloads", api.postSharedPayload)
	router.POST("/v1/transactions/confirmations", api.confirmations)

	api.server = httptest.NewServer(router)
	t.Cleanup(api.server.Close)
	return api
}

// URL is the base URL of the fake API
func (f *FakeAPI) URL() string {
	return f.server.URL
}

// Fail makes requests to path fail as described
func (f *FakeAPI) Fail(path string, failure Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = &failure
}

// Requests returns every request received so far
func (f *FakeAPI) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

// LastRequest returns the most recent request, failing the test if there is
// none
func (f *FakeAPI) LastRequest(t *testing.T) Request {
	t.Helper()
	requests := f.Requests()
	if len(requests) == 0 {
		testutil.FatalMsg(t, "fake API has not received any requests")
	}
	return requests[len(requests)-1]
}

func (f *FakeAPI) record(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	c.Set("body", body)

	f.mu.Lock()
	f.requests = append(f.requests, Request{
		Method: c.Request.Method,
		Path:   c.Request.URL.Path,
		Header: c.Request.Header.Clone(),
		Body:   body,
	})
	f.mu.Unlock()
	c.Next()
}

func (f *FakeAPI) fail(c *gin.Context) {
	f.mu.Lock()
	failure, ok := f.failures[c.Request.URL.Path]
	var current Failure
	if ok {
		current = *failure
		if failure.Times > 0 {
			failure.Times--
			if failure.Times == 0 {
				delete(f.failures, c.Request.URL.Path)
			}
		}
	}
	f.mu.Unlock()

	if !ok {
		c.Next()
		return
	}
	if current.Delay > 0 {
		select {
		case <-time.After(current.Delay):
		case <-c.Request.Context().Done():
			c.Abort()
			return
		}
	}
	if current.Status == 0 {
		c.Next()
		return
	}
	c.Data(current.Status, "application/json", []byte(current.Body))
	c.Abort()
}

func bind(c *gin.Context, dest interface{}) bool {
	raw, _ := c.Get("body")
	if err := json.Unmarshal(raw.([]byte), dest); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return false
	}
	return true
}

func respond(c *gin.Context, status int, body interface{}) {
	encoded, err := json.Marshal(body)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/json", encoded)
}

func respondError(c *gin.Context, err error) {
	if delivery, ok := network.AsDeliveryFailed(err); ok {
		respond(c, http.StatusBadGateway, gin.H{
			"error":           "sms_delivery_failed",
			"message":         delivery.Reason,
			"provider":        delivery.Provider,
			"address_request": delivery.Response,
		})
		return
	}
	status := http.StatusBadRequest
	if payerr.IsTransient(err) {
		status = http.StatusServiceUnavailable
	}
	respond(c, status, gin.H{"error": "failed", "message": err.Error()})
}

func (f *FakeAPI) createAddressRequest(c *gin.Context) {
	var body network.WalletAddressRequestBody
	if !bind(c, &body) {
		return
	}
	res, err := f.Backend.CreateAddressRequest(c.Request.Context(), body)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, res)
}

func (f *FakeAPI) getAddressRequest(c *gin.Context) {
	id := c.Param("id")
	if id == "satisfied" {
		res, err := f.Backend.FetchSatisfiedAddressRequests(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		if res == nil {
			res = []network.WalletAddressRequestResponse{}
		}
		respond(c, http.StatusOK, res)
		return
	}
	res, err := f.Backend.FetchAddressRequest(c.Request.Context(), id)
	if err != nil {
		respond(c, http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	respond(c, http.StatusOK, res)
}

func (f *FakeAPI) preauthorize(c *gin.Context) {
	var req network.PreauthRequest
	if !bind(c, &req) {
		return
	}
	res, err := f.Backend.PreauthorizeLightningPayment(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, res)
}

func (f *FakeAPI) payLightning(c *gin.Context) {
	var req network.LightningPaymentRequest
	if !bind(c, &req) {
		return
	}
	res, err := f.Backend.PayLightningRequest(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, res)
}

func (f *FakeAPI) broadcast(c *gin.Context) {
	var req network.BroadcastRequest
	if !bind(c, &req) {
		return
	}
	txid, err := f.Backend.BroadcastTransaction(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"txid": txid})
}

func (f *FakeAPI) postSharedPayload(c *gin.Context) {
	var post network.SharedPayloadPost
	if !bind(c, &post) {
		return
	}
	if err := f.Backend.PostSharedPayload(c.Request.Context(), post); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (f *FakeAPI) confirmations(c *gin.Context) {
	var req struct {
		Txids []string `json:"txids"`
	}
	if !bind(c, &req) {
		return
	}
	res, err := f.Backend.FetchTransactionConfirmations(c.Request.Context(), req.Txids)
	if err != nil {
		respondError(c, err)
		return
	}
	if res == nil {
		res = []network.TransactionConfirmation{}
	}
	respond(c, http.StatusOK, res)
}
