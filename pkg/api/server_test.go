package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uhyunpark/hyperbinary/params"
	"github.com/uhyunpark/hyperbinary/pkg/account"
	"github.com/uhyunpark/hyperbinary/pkg/events"
	"github.com/uhyunpark/hyperbinary/pkg/ledger"
	"github.com/uhyunpark/hyperbinary/pkg/market"
	"github.com/uhyunpark/hyperbinary/pkg/order"
	"github.com/uhyunpark/hyperbinary/pkg/trading"
)

const (
	aliceToken = "tok-alice"
	bobToken   = "tok-bob"
	adminToken = "tok-admin"
)

type testServer struct {
	srv *Server
	sim *market.Simulator
	ts  *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	bus := events.NewBus()
	sim := market.NewSimulator(market.Config{Seed: 7}, bus, nil)
	if err := sim.Register(market.Instrument{Symbol: "BTC-USDT", BaseAsset: "BTC", QuoteAsset: "USDT", BasePrice: 65000, PriceDecimals: 2}); err != nil {
		t.Fatal(err)
	}

	cfg := params.Default()
	cfg.Trading.SweepInterval = 0
	eng := trading.NewEngine(cfg.Trading, trading.Deps{
		Market:    sim,
		Ledger:    ledger.New(ledger.NewMemStore(), nil),
		Accounts:  account.NewDirectory(account.NewMemStore(), nil),
		Orders:    order.NewMemRepository(),
		Publisher: bus,
	})

	apiCfg := cfg.API
	apiCfg.AdminToken = adminToken
	auth, _ := NewTokenResolver(map[string]string{aliceToken: "alice", bobToken: "bob"})
	srv := NewServer(apiCfg, eng, sim, bus, auth, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.RunHub(ctx)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &testServer{srv: srv, sim: sim, ts: ts}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, s.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func (s *testServer) deposit(t *testing.T, acct, amount string) {
	t.Helper()
	resp := s.do(t, "POST", "/api/v1/admin/accounts/"+acct+"/deposit", adminToken, DepositRequest{Amount: amount})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit status = %d", resp.StatusCode)
	}
}

func TestMarketsEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, "GET", "/api/v1/markets", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	markets := decode[[]MarketInfo](t, resp)
	if len(markets) != 1 || markets[0].Symbol != "BTC-USDT" || markets[0].Ticker == nil {
		t.Errorf("markets = %+v", markets)
	}

	if resp := s.do(t, "GET", "/api/v1/markets/DOGE-USDT", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown market status = %d, want 404", resp.StatusCode)
	}
}

func TestAccountRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/api/v1/snapshot", "/api/v1/orders"} {
		if resp := s.do(t, "GET", path, "", nil); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, resp.StatusCode)
		}
		if resp := s.do(t, "GET", path, "bogus", nil); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s with unknown token = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestPlaceOrderAndSnapshot(t *testing.T) {
	s := newTestServer(t)
	s.deposit(t, "alice", "100.00")

	resp := s.do(t, "POST", "/api/v1/orders", aliceToken, PlaceOrderRequest{
		Symbol: "BTC-USDT", Direction: "UP", Stake: "50.00", ExpiryMs: 60_000,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("place status = %d: %+v", resp.StatusCode, decode[ErrorResponse](t, resp))
	}
	placed := decode[OrderInfo](t, resp)
	if placed.Status != "ACTIVE" || placed.Stake != "50.00" || placed.EntryPrice == "" {
		t.Errorf("placed = %+v", placed)
	}

	snap := decode[SnapshotResponse](t, s.do(t, "GET", "/api/v1/snapshot", aliceToken, nil))
	if len(snap.Balances) != 1 || snap.Balances[0].Available != "50.00" {
		t.Errorf("balances = %+v", snap.Balances)
	}
	if len(snap.OpenOrders) != 1 || snap.OpenOrders[0].ID != placed.ID {
		t.Errorf("open orders = %+v", snap.OpenOrders)
	}

	// bob cannot read alice's order
	if resp := s.do(t, "GET", "/api/v1/orders/"+placed.ID, bobToken, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign order status = %d, want 404", resp.StatusCode)
	}
	if resp := s.do(t, "GET", "/api/v1/orders/"+placed.ID, aliceToken, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("own order status = %d, want 200", resp.StatusCode)
	}

	active := decode[[]OrderInfo](t, s.do(t, "GET", "/api/v1/orders?active=true", aliceToken, nil))
	if len(active) != 1 {
		t.Errorf("active orders = %d, want 1", len(active))
	}
}

func TestPlaceOrderRejections(t *testing.T) {
	s := newTestServer(t)
	s.deposit(t, "alice", "10.00")

	tests := []struct {
		name   string
		req    PlaceOrderRequest
		status int
		reason string
	}{
		{"unknown symbol", PlaceOrderRequest{Symbol: "DOGE-USDT", Direction: "UP", Stake: "1.00", ExpiryMs: 60_000}, 400, trading.CodeUnknownSymbol},
		{"bad direction", PlaceOrderRequest{Symbol: "BTC-USDT", Direction: "LEFT", Stake: "1.00", ExpiryMs: 60_000}, 400, trading.CodeInvalidDirection},
		{"too precise", PlaceOrderRequest{Symbol: "BTC-USDT", Direction: "UP", Stake: "1.001", ExpiryMs: 60_000}, 400, trading.CodeStakePrecision},
		{"bad expiry", PlaceOrderRequest{Symbol: "BTC-USDT", Direction: "UP", Stake: "1.00", ExpiryMs: 0}, 400, trading.CodeInvalidExpiry},
		{"broke", PlaceOrderRequest{Symbol: "BTC-USDT", Direction: "DOWN", Stake: "20.00", ExpiryMs: 60_000}, 422, "insufficient_funds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, "POST", "/api/v1/orders", aliceToken, tt.req)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if got := decode[ErrorResponse](t, resp); got.Error != tt.reason {
				t.Errorf("reason = %q, want %q", got.Error, tt.reason)
			}
		})
	}
}

func TestBlockedAccountRejected(t *testing.T) {
	s := newTestServer(t)
	s.deposit(t, "alice", "10.00")

	resp := s.do(t, "POST", "/api/v1/admin/accounts/alice/blocked", adminToken, FlagRequest{Value: true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("block status = %d", resp.StatusCode)
	}
	resp = s.do(t, "POST", "/api/v1/orders", aliceToken, PlaceOrderRequest{Symbol: "BTC-USDT", Direction: "UP", Stake: "1.00", ExpiryMs: 60_000})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if got := decode[ErrorResponse](t, resp); got.Error != trading.ErrAccountRestricted.Error() {
		t.Errorf("reason = %q", got.Error)
	}
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)

	if resp := s.do(t, "POST", "/api/v1/admin/accounts/alice/deposit", aliceToken, DepositRequest{Amount: "5.00"}); resp.StatusCode != http.StatusForbidden {
		t.Errorf("deposit with account token = %d, want 403", resp.StatusCode)
	}
	s.deposit(t, "alice", "5.00")

	resp := s.do(t, "POST", "/api/v1/orders", aliceToken, PlaceOrderRequest{Symbol: "BTC-USDT", Direction: "UP", Stake: "2.00", ExpiryMs: 60_000})
	placed := decode[OrderInfo](t, resp)

	// not expired yet
	if resp := s.do(t, "POST", "/api/v1/admin/orders/"+placed.ID+"/settle", adminToken, nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("early settle = %d, want 409", resp.StatusCode)
	}

	resp = s.do(t, "DELETE", "/api/v1/admin/orders/"+placed.ID, adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	snap := decode[SnapshotResponse](t, s.do(t, "GET", "/api/v1/snapshot", aliceToken, nil))
	if len(snap.OpenOrders) != 0 || snap.Balances[0].Available != "5.00" {
		t.Errorf("after delete snapshot = %+v", snap)
	}

	resp = s.do(t, "POST", "/api/v1/admin/markets/BTC-USDT/status", adminToken, MarketStatusRequest{Status: "paused"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d", resp.StatusCode)
	}
	resp = s.do(t, "POST", "/api/v1/orders", aliceToken, PlaceOrderRequest{Symbol: "BTC-USDT", Direction: "UP", Stake: "1.00", ExpiryMs: 60_000})
	if got := decode[ErrorResponse](t, resp); got.Error != trading.CodeInstrumentPaused {
		t.Errorf("reason = %q, want %q", got.Error, trading.CodeInstrumentPaused)
	}
}

func TestAdminRejectsSeparatorInAccount(t *testing.T) {
	s := newTestServer(t)
	s.deposit(t, "alice", "1.00")

	for _, path := range []string{
		"/api/v1/admin/accounts/alice:x/deposit",
		"/api/v1/admin/accounts/alice:x/trading",
		"/api/v1/admin/accounts/alice:x/blocked",
	} {
		resp := s.do(t, "POST", path, adminToken, DepositRequest{Amount: "5.00"})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", path, resp.StatusCode)
		}
		if got := decode[ErrorResponse](t, resp); got.Error != trading.CodeInvalidRequest {
			t.Errorf("%s reason = %q, want %q", path, got.Error, trading.CodeInvalidRequest)
		}
	}

	snap := decode[SnapshotResponse](t, s.do(t, "GET", "/api/v1/snapshot", aliceToken, nil))
	if len(snap.Balances) != 1 || snap.Balances[0].Available != "1.00" {
		t.Errorf("alice balances = %+v", snap.Balances)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	if resp := s.do(t, "GET", "/health", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}
}

// ==============================
// WebSocket
// ==============================

func dialWS(t *testing.T, s *testServer, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// pong proves the hub registered the session
	if err := conn.WriteJSON(WSRequest{Op: "ping"}); err != nil {
		t.Fatal(err)
	}
	if msg := readUntil(t, conn, "pong"); msg.Type != "pong" {
		t.Fatalf("first reply = %s", msg.Type)
	}
	return conn
}

type rawMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// readUntil returns the next frame of the given type, skipping others
func readUntil(t *testing.T, conn *websocket.Conn, typ string) rawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg rawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

func TestWebSocketRejectsUnknownToken(t *testing.T) {
	s := newTestServer(t)
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %+v, want 401", resp)
	}
}

func TestWebSocketRoutesEventsByAccount(t *testing.T) {
	s := newTestServer(t)
	aliceConn := dialWS(t, s, aliceToken)
	anon := dialWS(t, s, "")

	if _, err := s.sim.SetPrice("BTC-USDT", 65100); err != nil {
		t.Fatal(err)
	}
	readUntil(t, aliceConn, events.MarketTick)
	readUntil(t, anon, events.MarketTick)

	// bob's balance must never reach alice's session
	s.deposit(t, "bob", "1.00")
	s.deposit(t, "alice", "2.00")

	msg := readUntil(t, aliceConn, events.BalanceSnapshot)
	var bals []BalanceInfo
	if err := json.Unmarshal(msg.Data, &bals); err != nil {
		t.Fatal(err)
	}
	if len(bals) != 1 || bals[0].Available != "2.00" {
		t.Errorf("alice balance event = %+v", bals)
	}
}

func TestWebSocketSnapshotOp(t *testing.T) {
	s := newTestServer(t)
	s.deposit(t, "alice", "3.00")

	conn := dialWS(t, s, aliceToken)
	if err := conn.WriteJSON(WSRequest{Op: "snapshot"}); err != nil {
		t.Fatal(err)
	}
	msg := readUntil(t, conn, "snapshot")
	var snap SnapshotResponse
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Account.AccountID != "alice" || len(snap.Balances) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	anon := dialWS(t, s, "")
	anon.WriteJSON(WSRequest{Op: "snapshot"})
	errMsg := readUntil(t, anon, "error")
	var e ErrorResponse
	json.Unmarshal(errMsg.Data, &e)
	if e.Error != "unauthenticated" {
		t.Errorf("anonymous snapshot error = %q", e.Error)
	}
}
