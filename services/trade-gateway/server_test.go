package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"escrotrade/backend"
	"escrotrade/trade"
)

const testSecret = "gateway-test-secret"

func mintToken(t *testing.T, secret string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "42",
		"exp": expires.Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type fakeSubmission struct {
	hash    string
	waitErr error
}

func (f *fakeSubmission) Hash() string                   { return f.hash }
func (f *fakeSubmission) Wait(ctx context.Context) error { return f.waitErr }

type fakeChain struct {
	phases  map[string]trade.EscrowPhase
	manner  uint64
	submits []string
	waitErr error
}

func newFakeChain() *fakeChain {
	return &fakeChain{phases: make(map[string]trade.EscrowPhase), manner: 200}
}

func (f *fakeChain) ProductState(ctx context.Context, key *big.Int) (trade.EscrowPhase, error) {
	phase, ok := f.phases[key.String()]
	if !ok {
		return 0, errors.New("no contract state")
	}
	return phase, nil
}

func (f *fakeChain) Manner(ctx context.Context, wallet string) (uint64, error) {
	return f.manner, nil
}

func (f *fakeChain) Register(ctx context.Context, name string, cost uint64, valueWei *big.Int) (trade.Submission, error) {
	f.submits = append(f.submits, "register")
	return &fakeSubmission{hash: "0xreg", waitErr: f.waitErr}, nil
}

func (f *fakeChain) Advance(ctx context.Context, key *big.Int, valueWei *big.Int) (trade.Submission, error) {
	f.submits = append(f.submits, "advance")
	return &fakeSubmission{hash: "0xadv", waitErr: f.waitErr}, nil
}

func (f *fakeChain) Cancel(ctx context.Context, key *big.Int) (trade.Submission, error) {
	f.submits = append(f.submits, "cancel")
	return &fakeSubmission{hash: "0xcan", waitErr: f.waitErr}, nil
}

// fakeRecordStore serves the backend REST surface over httptest.
type fakeRecordStore struct {
	t        *testing.T
	products map[int64]*trade.Product
	posts    []string
}

func (f *fakeRecordStore) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/product/getProduct/", func(w http.ResponseWriter, r *http.Request) {
		idRaw := strings.TrimPrefix(r.URL.Path, "/product/getProduct/")
		id, err := strconv.ParseInt(idRaw, 10, 64)
		if err != nil {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		product, ok := f.products[id]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(product)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		f.posts = append(f.posts, r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	})
	return mux
}

type gatewayFixture struct {
	server  *Server
	chain   *fakeChain
	records *fakeRecordStore
	store   *SQLiteStore
	token   string
}

func newGatewayFixture(t *testing.T, products map[int64]*trade.Product) *gatewayFixture {
	t.Helper()
	recordStore := &fakeRecordStore{t: t, products: products}
	backendSrv := httptest.NewServer(recordStore.handler())
	t.Cleanup(backendSrv.Close)

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	records := backend.New(backendSrv.URL)
	fake := newFakeChain()
	coordinator := trade.NewCoordinator(records, fake)
	verifier := NewSessionVerifier(testSecret, time.Minute)
	server := NewServer(coordinator, records, fake, verifier, store, "0x00000000000000000000000000000000000000aa")

	return &gatewayFixture{
		server:  server,
		chain:   fake,
		records: recordStore,
		store:   store,
		token:   mintToken(t, testSecret, time.Now().Add(time.Hour)),
	}
}

func (g *gatewayFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	g.server.ServeHTTP(rec, req)
	return rec
}

func findingProduct(id int64) *trade.Product {
	return &trade.Product{
		ID:     id,
		Title:  "vintage camera",
		Cost:   16000,
		Status: trade.StatusFinding,
		Seller: trade.UserRef{ID: 7, Name: "seller"},
	}
}

func TestActionsRequireSession(t *testing.T) {
	g := newGatewayFixture(t, map[int64]*trade.Product{1: findingProduct(1)})

	rec := g.do(t, http.MethodPost, "/trade/1/offers", "", map[string]uint64{"cost": 100})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	expired := mintToken(t, testSecret, time.Now().Add(-2*time.Hour))
	rec = g.do(t, http.MethodPost, "/trade/1/offers", expired, map[string]uint64{"cost": 100})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
	if len(g.records.posts) != 0 {
		t.Fatalf("backend must not see unauthenticated mutations, saw %v", g.records.posts)
	}
}

func TestSubmitOfferHappyPath(t *testing.T) {
	g := newGatewayFixture(t, map[int64]*trade.Product{1: findingProduct(1)})

	rec := g.do(t, http.MethodPost, "/trade/1/offers", g.token, map[string]uint64{"cost": 15000})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(g.records.posts) != 1 || g.records.posts[0] != "/product/1/offerTrade" {
		t.Fatalf("unexpected backend mutations: %v", g.records.posts)
	}
}

func TestSubmitOfferRejectedOnceMatched(t *testing.T) {
	product := findingProduct(2)
	product.Status = trade.StatusMatched
	g := newGatewayFixture(t, map[int64]*trade.Product{2: product})

	rec := g.do(t, http.MethodPost, "/trade/2/offers", g.token, map[string]uint64{"cost": 15000})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(g.records.posts) != 0 {
		t.Fatalf("no backend mutation may follow a failed precondition, saw %v", g.records.posts)
	}
}

func TestRegisterReturnsTxHashAndJournals(t *testing.T) {
	product := findingProduct(3)
	product.Status = trade.StatusMatched
	g := newGatewayFixture(t, map[int64]*trade.Product{3: product})

	rec := g.do(t, http.MethodPost, "/trade/3/register", g.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["txHash"] != "0xreg" {
		t.Fatalf("expected tx hash in response, got %q", resp["txHash"])
	}
	subs, err := g.store.SubmissionsFor(context.Background(), 3)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(subs) != 1 || subs[0].Outcome != "confirmed" || subs[0].TxHash != "0xreg" {
		t.Fatalf("unexpected journal entries: %+v", subs)
	}
}

func TestJournalViewListsSubmissions(t *testing.T) {
	product := findingProduct(3)
	product.Status = trade.StatusMatched
	g := newGatewayFixture(t, map[int64]*trade.Product{3: product})

	if rec := g.do(t, http.MethodPost, "/trade/3/register", g.token, nil); rec.Code != http.StatusOK {
		t.Fatalf("register failed: %d %s", rec.Code, rec.Body.String())
	}

	rec := g.do(t, http.MethodGet, "/trade/3/journal", g.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Submissions []Submission `json:"submissions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Submissions) != 1 || resp.Submissions[0].Action != "register" {
		t.Fatalf("unexpected journal: %+v", resp.Submissions)
	}

	if rec := g.do(t, http.MethodGet, "/trade/3/journal", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("journal must require a session, got %d", rec.Code)
	}
}

func TestDepositPhaseMismatchIsConflict(t *testing.T) {
	product := findingProduct(4)
	product.Status = trade.StatusPending
	g := newGatewayFixture(t, map[int64]*trade.Product{4: product})
	g.chain.phases["4"] = trade.PhaseAwaitingShipment

	rec := g.do(t, http.MethodPost, "/trade/4/deposit", g.token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on phase mismatch, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(g.chain.submits) != 0 {
		t.Fatalf("no transaction may be issued on phase mismatch, saw %v", g.chain.submits)
	}
	subs, err := g.store.SubmissionsFor(context.Background(), 4)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(subs) != 1 || subs[0].Outcome != "precondition_mismatch" {
		t.Fatalf("mismatch must still be journaled: %+v", subs)
	}
}

func TestRevertSurfacesAsBadGateway(t *testing.T) {
	product := findingProduct(5)
	product.Status = trade.StatusMatched
	g := newGatewayFixture(t, map[int64]*trade.Product{5: product})
	g.chain.waitErr = &trade.RevertError{TxHash: "0xreg", Reason: "listing exists"}

	rec := g.do(t, http.MethodPost, "/trade/5/register", g.token, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on revert, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(g.records.posts) != 0 {
		t.Fatalf("revert must leave records untouched, saw %v", g.records.posts)
	}
}

func TestTradeViewIncludesContractPhase(t *testing.T) {
	product := findingProduct(6)
	product.Status = trade.StatusProcessing
	g := newGatewayFixture(t, map[int64]*trade.Product{6: product})
	g.chain.phases["6"] = trade.PhaseAwaitingShipment

	rec := g.do(t, http.MethodGet, "/trade/6", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Product       trade.Product `json:"product"`
		ContractPhase string        `json:"contractPhase"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Product.ID != 6 {
		t.Fatalf("unexpected product: %+v", resp.Product)
	}
	if resp.ContractPhase != "awaiting_shipment" {
		t.Fatalf("expected contract phase in view, got %q", resp.ContractPhase)
	}
}

func TestTradeViewUnknownProduct(t *testing.T) {
	g := newGatewayFixture(t, map[int64]*trade.Product{})
	rec := g.do(t, http.MethodGet, "/trade/99", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestInvalidProductIDIsBadRequest(t *testing.T) {
	g := newGatewayFixture(t, map[int64]*trade.Product{})
	rec := g.do(t, http.MethodGet, "/trade/not-a-number", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPendingViewReportsNoInflightTx(t *testing.T) {
	g := newGatewayFixture(t, map[int64]*trade.Product{1: findingProduct(1)})
	rec := g.do(t, http.MethodGet, "/trade/1/pending", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Pending bool   `json:"pending"`
		TxHash  string `json:"txHash"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Pending || resp.TxHash != "" {
		t.Fatalf("expected idle escrow key, got %+v", resp)
	}
}

func TestUpdateWalletForwardsToBackend(t *testing.T) {
	g := newGatewayFixture(t, map[int64]*trade.Product{})
	rec := g.do(t, http.MethodPost, "/user/wallet", g.token, map[string]string{"wallet": "0xabc"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(g.records.posts) != 1 || g.records.posts[0] != "/user/updateWallet" {
		t.Fatalf("unexpected backend mutations: %v", g.records.posts)
	}
}

func TestUpdateWalletRequiresValue(t *testing.T) {
	g := newGatewayFixture(t, map[int64]*trade.Product{})
	rec := g.do(t, http.MethodPost, "/user/wallet", g.token, map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty wallet, got %d", rec.Code)
	}
}

func TestOfferAcceptFlowsThroughBackend(t *testing.T) {
	product := findingProduct(8)
	product.Offers = []trade.Offer{{ID: 31, ProductID: 8, Cost: 15500, Status: trade.OfferWaiting}}
	g := newGatewayFixture(t, map[int64]*trade.Product{8: product})

	rec := g.do(t, http.MethodPost, "/trade/8/offers/31/accept", g.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(g.records.posts) != 1 || g.records.posts[0] != "/trade-offer/accept/31" {
		t.Fatalf("unexpected backend mutations: %v", g.records.posts)
	}
}

func TestAuditTrailRecordsRequests(t *testing.T) {
	g := newGatewayFixture(t, map[int64]*trade.Product{1: findingProduct(1)})
	_ = g.do(t, http.MethodGet, "/trade/1", "", nil)

	var count int
	err := g.store.db.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE path = '/trade/1'`).Scan(&count)
	if err != nil {
		t.Fatalf("query audit log: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one audit row, got %d", count)
	}
}
