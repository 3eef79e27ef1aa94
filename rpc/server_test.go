package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"escrowsim/core/events"
	"escrowsim/native/escrow"
	"escrowsim/native/ledger"
	"escrowsim/observability"
)

const testSecret = "test-hmac-secret"

type rpcResult struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type testEnv struct {
	ledger   *ledger.Ledger
	registry *escrow.Registry
	metrics  *observability.Metrics
	handler  http.Handler
	clock    *time.Time
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	l := ledger.New()
	require.NoError(t, l.CreateAccount("seller", uint256.NewInt(0)))
	require.NoError(t, l.CreateAccount("buyer", uint256.NewInt(500)))
	registry := escrow.NewRegistry(escrow.LedgerBank(l))
	metrics := observability.NewMetrics()
	l.SetEmitter(metrics)
	registry.SetEmitter(metrics)

	clock := time.Unix(1_000, 0)
	env := &testEnv{ledger: l, registry: registry, metrics: metrics, clock: &clock}
	base := []Option{WithMetrics(metrics), WithClock(func() time.Time { return *env.clock })}
	srv := NewServer(l, registry, append(base, opts...)...)
	env.handler = srv.Router()
	return env
}

func (e *testEnv) call(t *testing.T, token, method string, params interface{}) (int, rpcResult) {
	t.Helper()
	payload := map[string]interface{}{"jsonrpc": "2.0", "id": 7, "method": method}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	var out rpcResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func (e *testEnv) mustCall(t *testing.T, token, method string, params, dst interface{}) {
	t.Helper()
	status, out := e.call(t, token, method, params)
	require.Nil(t, out.Error, "%s failed: %+v", method, out.Error)
	require.Equal(t, http.StatusOK, status)
	if dst != nil {
		require.NoError(t, json.Unmarshal(out.Result, dst))
	}
}

func (e *testEnv) create(t *testing.T, token string) string {
	t.Helper()
	var created escrowCreateResult
	e.mustCall(t, token, "escrow_create", escrowCreateParams{
		Seller: "seller", Buyer: "buyer", Item: "vintage lamp", Price: "100", Deadline: 2_000,
	}, &created)
	require.NotEmpty(t, created.ID)
	return created.ID
}

func TestHappyPathOverRPC(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, "")

	var snap escrowJSON
	env.mustCall(t, "", "escrow_sign", escrowActorParams{ID: id, Caller: "seller"}, &snap)
	require.Equal(t, "active", snap.State)

	env.mustCall(t, "", "escrow_pay", escrowPayParams{ID: id, Caller: "buyer", Amount: "100"}, &snap)
	require.Equal(t, "100", snap.HeldFunds)
	require.Equal(t, "100", snap.EscrowBalance)

	env.mustCall(t, "", "escrow_confirmDelivery", escrowActorParams{ID: id, Caller: "buyer"}, &snap)
	require.Equal(t, "resolved", snap.State)
	require.Equal(t, "0", snap.HeldFunds)

	var seller accountJSON
	env.mustCall(t, "", "ledger_balanceOf", ledgerAccountParams{ID: "seller"}, &seller)
	require.Equal(t, "100", seller.Balance)

	var log []escrowEventJSON
	env.mustCall(t, "", "escrow_listEvents", escrowIDParams{ID: strings.ToLower(id)}, &log)
	kinds := make([]string, 0, len(log))
	for _, evt := range log {
		kinds = append(kinds, evt.Kind)
	}
	require.Equal(t, []string{"created", "signed", "paid", "delivery_confirmed"}, kinds)

	body := scrapeMetrics(t, env.handler)
	require.Contains(t, body, `escrow_contracts_settled_amount_total{outcome="release"} 100`)
	require.Contains(t, body, `escrow_rpc_requests_total{method="escrow_pay",outcome="success"} 1`)
}

func TestEscrowErrorsMapToCodes(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, "")

	_, out := env.call(t, "", "escrow_pay", escrowPayParams{ID: id, Caller: "buyer", Amount: "100"})
	require.NotNil(t, out.Error)
	require.Equal(t, codeEscrowConflict, out.Error.Code)

	env.mustCall(t, "", "escrow_sign", escrowActorParams{ID: id, Caller: "buyer"}, nil)

	status, out := env.call(t, "", "escrow_sign", escrowActorParams{ID: id, Caller: "seller"})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, codeEscrowConflict, out.Error.Code)

	status, out = env.call(t, "", "escrow_confirmDelivery", escrowActorParams{ID: id, Caller: "seller"})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, codeEscrowForbidden, out.Error.Code)

	_, out = env.call(t, "", "escrow_pay", escrowPayParams{ID: id, Caller: "buyer", Amount: "99"})
	require.Equal(t, codeEscrowInvalidParams, out.Error.Code)

	_, out = env.call(t, "", "escrow_get", escrowIDParams{ID: "0xdeadbeef"})
	require.Equal(t, codeEscrowNotFound, out.Error.Code)

	_, out = env.call(t, "", "escrow_create", escrowCreateParams{
		Seller: "seller", Buyer: "seller", Item: "x", Price: "1", Deadline: 2_000,
	})
	require.Equal(t, codeEscrowInvalidParams, out.Error.Code)
}

func TestInsufficientFundsLeavesContractUnpaid(t *testing.T) {
	env := newTestEnv(t)
	var created escrowCreateResult
	env.mustCall(t, "", "escrow_create", escrowCreateParams{
		Seller: "seller", Buyer: "buyer", Item: "car", Price: "900", Deadline: 2_000,
	}, &created)
	env.mustCall(t, "", "escrow_sign", escrowActorParams{ID: created.ID, Caller: "seller"}, nil)

	status, out := env.call(t, "", "escrow_pay", escrowPayParams{ID: created.ID, Caller: "buyer", Amount: "900"})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, codeEscrowInsufficientFunds, out.Error.Code)

	var snap escrowJSON
	env.mustCall(t, "", "escrow_get", escrowIDParams{ID: created.ID}, &snap)
	require.Equal(t, "active", snap.State)
	require.Equal(t, "0", snap.HeldFunds)
}

func TestDeadlineUsesServerClock(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, "")

	var remaining escrowTimeRemainingResult
	env.mustCall(t, "", "escrow_timeRemaining", escrowIDParams{ID: id}, &remaining)
	require.EqualValues(t, 1_000, remaining.Seconds)

	*env.clock = time.Unix(2_000, 0)
	env.mustCall(t, "", "escrow_timeRemaining", escrowIDParams{ID: id}, &remaining)
	require.Zero(t, remaining.Seconds)

	_, out := env.call(t, "", "escrow_sign", escrowActorParams{ID: id, Caller: "seller"})
	require.Equal(t, codeEscrowConflict, out.Error.Code)

	env.mustCall(t, "", "escrow_cancel", escrowActorParams{ID: id, Caller: "buyer"}, nil)
}

func TestLedgerMethods(t *testing.T) {
	env := newTestEnv(t)
	env.mustCall(t, "", "ledger_createAccount", ledgerAccountParams{ID: "carol", Balance: "5"}, nil)
	env.mustCall(t, "", "ledger_deposit", ledgerDepositParams{ID: "carol", Amount: "10"}, nil)
	env.mustCall(t, "", "ledger_transfer", ledgerTransferParams{From: "carol", To: "seller", Amount: "15"}, nil)

	_, out := env.call(t, "", "ledger_transfer", ledgerTransferParams{From: "carol", To: "seller", Amount: "1"})
	require.Equal(t, codeLedgerInsufficientFunds, out.Error.Code)

	_, out = env.call(t, "", "ledger_createAccount", ledgerAccountParams{ID: "carol"})
	require.Equal(t, codeLedgerConflict, out.Error.Code)

	_, out = env.call(t, "", "ledger_balanceOf", ledgerAccountParams{ID: "nobody"})
	require.Equal(t, codeLedgerNotFound, out.Error.Code)

	_, out = env.call(t, "", "ledger_transfer", ledgerTransferParams{From: "carol", To: "seller", Amount: "-1"})
	require.Equal(t, codeLedgerInvalidParams, out.Error.Code)

	var accounts []accountJSON
	env.mustCall(t, "", "ledger_accounts", nil, &accounts)
	require.Equal(t, []accountJSON{
		{ID: "buyer", Balance: "500"},
		{ID: "carol", Balance: "0"},
		{ID: "seller", Balance: "15"},
	}, accounts)
}

func TestEscrowVaultCannotBeDrainedDirectly(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, "")
	env.mustCall(t, "", "escrow_sign", escrowActorParams{ID: id, Caller: "seller"}, nil)
	env.mustCall(t, "", "escrow_pay", escrowPayParams{ID: id, Caller: "buyer", Amount: "100"}, nil)

	status, out := env.call(t, "", "ledger_transfer", ledgerTransferParams{From: id, To: "seller", Amount: "100"})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, codeLedgerForbidden, out.Error.Code)

	var accounts []accountJSON
	env.mustCall(t, "", "ledger_accounts", nil, &accounts)
	var found bool
	for _, acct := range accounts {
		if acct.ID == id {
			found = true
			require.True(t, acct.Controlled)
			require.Equal(t, "100", acct.Balance)
		}
	}
	require.True(t, found)
}

func TestEscrowAccountRejectedAsParty(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.ledger.CreateAccount("mallory", nil))
	id := env.create(t, "")
	env.mustCall(t, "", "escrow_sign", escrowActorParams{ID: id, Caller: "seller"}, nil)
	env.mustCall(t, "", "escrow_pay", escrowPayParams{ID: id, Caller: "buyer", Amount: "100"}, nil)

	for _, params := range []escrowCreateParams{
		{Seller: "mallory", Buyer: id, Item: "x", Price: "100", Deadline: 2_000},
		{Seller: id, Buyer: "buyer", Item: "x", Price: "1", Deadline: 2_000},
	} {
		status, out := env.call(t, "", "escrow_create", params)
		require.Equal(t, http.StatusBadRequest, status)
		require.NotNil(t, out.Error)
		require.Equal(t, codeEscrowInvalidParams, out.Error.Code)
	}
	require.Len(t, env.registry.List(), 1)

	var snap escrowJSON
	env.mustCall(t, "", "escrow_confirmDelivery", escrowActorParams{ID: id, Caller: "buyer"}, &snap)
	require.Equal(t, "resolved", snap.State)
	var mallory accountJSON
	env.mustCall(t, "", "ledger_balanceOf", ledgerAccountParams{ID: "mallory"}, &mallory)
	require.Equal(t, "0", mallory.Balance)
}

func TestAuthBindsTokenSubjectToActor(t *testing.T) {
	env := newTestEnv(t, WithAuthenticator(NewAuthenticator(testSecret)))

	sellerToken, err := IssueToken(testSecret, "seller", time.Hour)
	require.NoError(t, err)
	buyerToken, err := IssueToken(testSecret, "buyer", time.Hour)
	require.NoError(t, err)
	adminToken, err := IssueToken(testSecret, "ops", time.Hour, ScopeAdmin)
	require.NoError(t, err)

	status, out := env.call(t, "", "escrow_create", escrowCreateParams{
		Seller: "seller", Buyer: "buyer", Item: "x", Price: "1", Deadline: 2_000,
	})
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, codeUnauthorized, out.Error.Code)

	status, out = env.call(t, buyerToken, "escrow_create", escrowCreateParams{
		Seller: "seller", Buyer: "buyer", Item: "x", Price: "1", Deadline: 2_000,
	})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, codeForbidden, out.Error.Code)

	id := env.create(t, sellerToken)
	_, out = env.call(t, sellerToken, "escrow_sign", escrowActorParams{ID: id, Caller: "buyer"})
	require.Equal(t, codeForbidden, out.Error.Code)
	env.mustCall(t, buyerToken, "escrow_sign", escrowActorParams{ID: id, Caller: "buyer"}, nil)

	_, out = env.call(t, sellerToken, "ledger_deposit", ledgerDepositParams{ID: "seller", Amount: "1"})
	require.Equal(t, codeForbidden, out.Error.Code)
	env.mustCall(t, adminToken, "ledger_deposit", ledgerDepositParams{ID: "seller", Amount: "1"}, nil)

	forged, err := IssueToken("other-secret", "buyer", time.Hour)
	require.NoError(t, err)
	_, out = env.call(t, forged, "escrow_cancel", escrowActorParams{ID: id, Caller: "buyer"})
	require.Equal(t, codeUnauthorized, out.Error.Code)

	// Reads stay open.
	env.mustCall(t, "", "escrow_get", escrowIDParams{ID: id}, nil)
}

func TestRateLimiterThrottles(t *testing.T) {
	env := newTestEnv(t, WithRateLimiter(NewRateLimiter(60, 2, false)))
	for i := 0; i < 2; i++ {
		env.mustCall(t, "", "escrow_list", nil, nil)
	}
	status, out := env.call(t, "", "escrow_list", nil)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, codeRateLimited, out.Error.Code)
	require.Contains(t, scrapeMetrics(t, env.handler), `escrow_rpc_throttles_total{reason="rate_limit"} 1`)
}

func TestRateLimiterIgnoresForwardedForByDefault(t *testing.T) {
	send := func(handler http.Handler, forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"escrow_list","params":[]}`))
		req.RemoteAddr = "198.51.100.7:4242"
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	direct := newTestEnv(t, WithRateLimiter(NewRateLimiter(60, 1, false)))
	require.Equal(t, http.StatusOK, send(direct.handler, "203.0.113.1"))
	require.Equal(t, http.StatusTooManyRequests, send(direct.handler, "203.0.113.2"))

	proxied := newTestEnv(t, WithRateLimiter(NewRateLimiter(60, 1, true)))
	require.Equal(t, http.StatusOK, send(proxied.handler, "203.0.113.1"))
	require.Equal(t, http.StatusOK, send(proxied.handler, "203.0.113.2, 10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, send(proxied.handler, "203.0.113.1"))
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t)

	send := func(body string) (int, rpcResult) {
		req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		var out rpcResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return rec.Code, out
	}

	_, out := send("")
	require.Equal(t, codeInvalidRequest, out.Error.Code)
	_, out = send("{")
	require.Equal(t, codeParseError, out.Error.Code)
	_, out = send(`{"jsonrpc":"1.0","method":"escrow_list","id":1}`)
	require.Equal(t, codeInvalidRequest, out.Error.Code)
	status, out := send(`{"jsonrpc":"2.0","method":"escrow_nope","id":1}`)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, codeMethodNotFound, out.Error.Code)
	_, out = send(`{"jsonrpc":"2.0","method":"escrow_get","id":1,"params":[{"id":"x","extra":1}]}`)
	require.Equal(t, codeInvalidParams, out.Error.Code)
}

func TestRequestIDAndHealth(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Len(t, rec.Header().Get(requestIDHeader), 36)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "6f1c3c5e-8b0b-4f54-9c1e-2a8f1d7b9a10")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, "6f1c3c5e-8b0b-4f54-9c1e-2a8f1d7b9a10", rec.Header().Get(requestIDHeader))
}

func TestEmittedEventsReachRecorder(t *testing.T) {
	env := newTestEnv(t)
	recorder := &events.Recorder{}
	env.registry.SetEmitter(events.Multi{env.metrics, recorder})
	id := env.create(t, "")
	env.mustCall(t, "", "escrow_cancel", escrowActorParams{ID: id, Caller: "seller"}, nil)
	require.Equal(t, []string{escrow.EventTypeEscrowCreated, escrow.EventTypeEscrowCancelled}, recorder.Types())
}

func scrapeMetrics(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
