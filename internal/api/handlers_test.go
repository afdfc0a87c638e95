package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbidder/internal/bidserver"
	"github.com/patrickwarner/openbidder/internal/config"
	"github.com/patrickwarner/openbidder/internal/db"
	"github.com/patrickwarner/openbidder/internal/logic/budget"
	"github.com/patrickwarner/openbidder/internal/models"
	"github.com/patrickwarner/openbidder/internal/observability"
	"github.com/patrickwarner/openbidder/internal/token"
)

type noticeCall struct {
	kind   string
	bidID  string
	price  *decimal.Decimal
	reason string
}

type fakeBidder struct {
	resp *models.BidResponse

	mu       sync.Mutex
	requests int
	notices  []noticeCall
}

func (f *fakeBidder) ProcessBidRequest(_ context.Context, req *models.BidRequest) *models.BidResponse {
	f.mu.Lock()
	f.requests++
	f.mu.Unlock()
	if f.resp != nil {
		return f.resp
	}
	nbr := 0
	return &models.BidResponse{ID: req.ID, SeatBid: []models.SeatBid{}, NBR: &nbr}
}

func (f *fakeBidder) HandleWinNotification(_ context.Context, bidID string, price *decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, noticeCall{kind: "win", bidID: bidID, price: price})
	return nil
}

func (f *fakeBidder) HandleLossNotification(_ context.Context, bidID string, price *decimal.Decimal, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, noticeCall{kind: "loss", bidID: bidID, price: price, reason: reason})
	return nil
}

func (f *fakeBidder) GetServerStatistics() bidserver.Statistics {
	return bidserver.Statistics{Server: bidserver.ServerStats{Requests: 7}}
}

func (f *fakeBidder) calls() []noticeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]noticeCall(nil), f.notices...)
}

const testSecret = "secret"

func newTestServer(b Bidder) (*Server, *observability.RecordingRegistry) {
	metrics := observability.NewRecordingRegistry()
	cfg := config.Config{TokenSecret: testSecret, TokenTTL: time.Minute}
	inv := models.NewInMemoryInventory()
	ledger := budget.NewLedger(budget.Config{}, zap.NewNop(), metrics)
	return NewServer(zap.NewNop(), b, inv, ledger, metrics, cfg), metrics
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if method == http.MethodPost && strings.HasPrefix(body, "bid_id") {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestBidHandlerReturnsBids(t *testing.T) {
	b := &fakeBidder{resp: &models.BidResponse{
		ID:      "r1",
		Cur:     "USD",
		SeatBid: []models.SeatBid{{Seat: "openbidder", Bid: []models.Bid{{ID: "b1", ImpID: "1", Price: 1.25}}}},
	}}
	s, metrics := newTestServer(b)

	rec := do(t, s, http.MethodPost, "/openrtb2/bid", `{"id":"r1","imp":[{"id":"1","banner":{"w":300,"h":250}}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp models.BidResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "r1", resp.ID)
	require.Len(t, resp.SeatBid, 1)
	assert.Equal(t, 1.25, resp.SeatBid[0].Bid[0].Price)
	assert.Equal(t, 1, metrics.Count("request:bid:200"))
}

func TestBidHandlerNoBid(t *testing.T) {
	b := &fakeBidder{}
	s, _ := newTestServer(b)

	rec := do(t, s, http.MethodPost, "/openrtb2/bid", `{"id":"r1","imp":[{"id":"1"}]}`)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "0", rec.Header().Get(NoBidReasonHeader))
}

func TestBidHandlerRejectsMalformedRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"id":`},
		{"missing id", `{"imp":[{"id":"1"}]}`},
		{"no impressions", `{"id":"r1","imp":[]}`},
		{"impression without id", `{"id":"r1","imp":[{}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBidder{}
			s, _ := newTestServer(b)

			rec := do(t, s, http.MethodPost, "/openrtb2/bid", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, b.requests)
		})
	}
}

func noticeToken(t *testing.T, bidID string) string {
	t.Helper()
	tok, err := token.Generate(token.Claims{BidID: bidID, RequestID: "r1"}, []byte(testSecret))
	require.NoError(t, err)
	return url.QueryEscape(tok)
}

func TestWinHandler(t *testing.T) {
	b := &fakeBidder{}
	s, _ := newTestServer(b)

	rec := do(t, s, http.MethodGet, "/win?bid_id=b1&price=0.90&t="+noticeToken(t, "b1"), "")

	assert.Equal(t, http.StatusOK, rec.Code)
	calls := b.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "win", calls[0].kind)
	assert.Equal(t, "b1", calls[0].bidID)
	require.NotNil(t, calls[0].price)
	assert.Equal(t, "0.9", calls[0].price.String())
}

func TestWinHandlerUnsubstitutedPrice(t *testing.T) {
	b := &fakeBidder{}
	s, _ := newTestServer(b)

	do(t, s, http.MethodGet, "/win?bid_id=b1&price=${AUCTION_PRICE}&t="+noticeToken(t, "b1"), "")

	calls := b.calls()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].price)
}

func TestLossHandlerForm(t *testing.T) {
	b := &fakeBidder{}
	s, _ := newTestServer(b)

	rec := do(t, s, http.MethodPost, "/loss", "bid_id=b2&price=1.5&reason=102&t="+noticeToken(t, "b2"))

	assert.Equal(t, http.StatusOK, rec.Code)
	calls := b.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "loss", calls[0].kind)
	assert.Equal(t, "102", calls[0].reason)
}

func TestNoticeRejectsBadTokens(t *testing.T) {
	b := &fakeBidder{}
	s, metrics := newTestServer(b)

	// missing, forged and mismatched tokens are all acknowledged and ignored
	for _, target := range []string{
		"/win?bid_id=b1&price=1",
		"/win?bid_id=b1&price=1&t=forged",
		"/win?bid_id=b1&price=1&t=" + noticeToken(t, "other"),
	} {
		rec := do(t, s, http.MethodGet, target, "")
		assert.Equal(t, http.StatusOK, rec.Code, target)
	}

	assert.Empty(t, b.calls())
	assert.Equal(t, 3, metrics.Count("notice:win:rejected"))
}

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (m *memDedup) MarkNotified(_ context.Context, kind, bidID string, _ time.Duration) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	key := kind + ":" + bidID
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func TestNoticeDeduplication(t *testing.T) {
	b := &fakeBidder{}
	s, metrics := newTestServer(b)
	s.Dedup = &memDedup{}
	target := "/win?bid_id=b1&price=1&t=" + noticeToken(t, "b1")

	do(t, s, http.MethodGet, target, "")
	do(t, s, http.MethodGet, target, "")

	assert.Len(t, b.calls(), 1)
	assert.Equal(t, 1, metrics.Count("notice:win:duplicate"))

	// an unavailable deduper does not drop notices
	s.Dedup = &memDedup{err: errors.New("redis down")}
	do(t, s, http.MethodGet, target, "")
	assert.Len(t, b.calls(), 2)
}

func TestPricelessWinDoesNotShadowPricedWin(t *testing.T) {
	b := &fakeBidder{}
	s, metrics := newTestServer(b)
	s.Dedup = &memDedup{}
	tok := noticeToken(t, "b1")

	do(t, s, http.MethodGet, "/win?bid_id=b1&price=${AUCTION_PRICE}&t="+tok, "")
	do(t, s, http.MethodGet, "/win?bid_id=b1&price=0.8&t="+tok, "")
	do(t, s, http.MethodGet, "/win?bid_id=b1&price=0.8&t="+tok, "")

	calls := b.calls()
	require.Len(t, calls, 2)
	assert.Nil(t, calls[0].price)
	require.NotNil(t, calls[1].price)
	assert.Equal(t, "0.8", calls[1].price.String())
	assert.Equal(t, 1, metrics.Count("notice:win:duplicate"))
}

func TestStatusAndHealth(t *testing.T) {
	s, _ := newTestServer(&fakeBidder{})

	rec := do(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, string(body["server"]), `"requests":7`)
	assert.Contains(t, body, "inventory")

	rec = do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

type fakeReloader struct {
	err   error
	calls int
}

func (f *fakeReloader) Load(context.Context) (db.LoadResult, error) {
	f.calls++
	return db.LoadResult{Campaigns: 2, Creatives: 3}, f.err
}

type fakeBroadcaster struct{ published int }

func (f *fakeBroadcaster) PublishReload(context.Context) error {
	f.published++
	return nil
}

func TestReloadHandler(t *testing.T) {
	s, _ := newTestServer(&fakeBidder{})

	rec := do(t, s, http.MethodPost, "/reload", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	reloader := &fakeReloader{}
	bc := &fakeBroadcaster{}
	s.Reloader = reloader
	s.Broadcaster = bc
	rec = do(t, s, http.MethodPost, "/reload", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"campaigns":2,"creatives":3,"restored":0}`, rec.Body.String())
	assert.Equal(t, 1, bc.published)

	reloader.err = errors.New("db down")
	rec = do(t, s, http.MethodPost, "/reload", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type memBudgetStore struct {
	budgets map[int]decimal.Decimal
	err     error
}

func (m *memBudgetStore) UpdateCampaignBudget(_ context.Context, id int, b decimal.Decimal) error {
	if m.err != nil {
		return m.err
	}
	if _, ok := m.budgets[id]; !ok {
		return models.ErrNotFound
	}
	m.budgets[id] = b
	return nil
}

func TestCampaignEndpoints(t *testing.T) {
	s, _ := newTestServer(&fakeBidder{})
	require.NoError(t, s.Inventory.ReloadAll([]models.Campaign{{ID: 1, Name: "One", Active: true, Budget: decimal.NewFromInt(10)}}, nil))
	require.NoError(t, s.Budgets.SetBudget(1, decimal.NewFromInt(10)))
	store := &memBudgetStore{budgets: map[int]decimal.Decimal{1: decimal.NewFromInt(10)}}
	s.BudgetStore = store

	rec := do(t, s, http.MethodGet, "/campaigns", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"One"`)

	rec = do(t, s, http.MethodGet, "/campaigns/2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s, http.MethodGet, "/campaigns/x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPut, "/campaigns/1/budget", `{"budget":"-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPut, "/campaigns/1/budget", `{"budget":"25.50"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "25.5", store.budgets[1].String())
	cb, ok := s.Budgets.CampaignBudget(1)
	require.True(t, ok)
	assert.Equal(t, "25.5", cb.Total.String())
	assert.Equal(t, "25.5", s.Inventory.GetCampaign(1).Budget.String())

	rec = do(t, s, http.MethodGet, "/campaigns/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ledger"`)
}

func TestCampaignBudgetBelowCommittedSpend(t *testing.T) {
	s, _ := newTestServer(&fakeBidder{})
	ledger := s.Budgets.(*budget.Ledger)
	require.NoError(t, s.Inventory.ReloadAll([]models.Campaign{{ID: 1, Active: true, Budget: decimal.NewFromInt(10)}}, nil))
	require.NoError(t, ledger.SetBudget(1, decimal.NewFromInt(10)))
	store := &memBudgetStore{budgets: map[int]decimal.Decimal{1: decimal.NewFromInt(10)}}
	s.BudgetStore = store
	require.NotEmpty(t, ledger.ReserveBudget(1, decimal.NewFromInt(6), "b1"))

	rec := do(t, s, http.MethodPut, "/campaigns/1/budget", `{"budget":"5"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "10", store.budgets[1].String())
	assert.Equal(t, "10", s.Inventory.GetCampaign(1).Budget.String())
	cb, _ := ledger.CampaignBudget(1)
	assert.Equal(t, "10", cb.Total.String())

	rec = do(t, s, http.MethodPut, "/campaigns/1/budget", `{"budget":"6"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, ledger.ConfirmBudgetSpend("b1", decimal.NewFromInt(6)))
	cb, _ = ledger.CampaignBudget(1)
	assert.Equal(t, "6", cb.Spent.String())
	assert.True(t, cb.Available.IsZero())
}

func TestCampaignBudgetRevertsWhenPersistFails(t *testing.T) {
	s, _ := newTestServer(&fakeBidder{})
	require.NoError(t, s.Inventory.ReloadAll([]models.Campaign{{ID: 1, Active: true, Budget: decimal.NewFromInt(10)}}, nil))
	require.NoError(t, s.Budgets.SetBudget(1, decimal.NewFromInt(10)))
	s.BudgetStore = &memBudgetStore{err: errors.New("db down")}

	rec := do(t, s, http.MethodPut, "/campaigns/1/budget", `{"budget":"40"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	cb, _ := s.Budgets.CampaignBudget(1)
	assert.Equal(t, "10", cb.Total.String())
}
