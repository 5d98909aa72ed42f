package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/mmeshcher/tipledger/internal/apperror"
	"github.com/mmeshcher/tipledger/internal/metrics"
	"github.com/mmeshcher/tipledger/internal/middleware"
	"github.com/mmeshcher/tipledger/internal/model"
	"github.com/mmeshcher/tipledger/internal/policy"
	"github.com/mmeshcher/tipledger/internal/service"
)

type stubService struct {
	tipResp   *model.Tip
	tipErr    error
	tipSender model.Principal
	tipAmount uint256.Int
	tipToken  string

	identityErr    error
	identityCaller model.Principal

	rewardRateErr error
	addPointsResp model.UserStats
	addPointsErr  error
	adminCalls    int

	stats    model.UserStats
	statsErr error

	identity model.Identity

	history []model.Tip
	limit   int
}

func (s *stubService) Tip(ctx context.Context, sender, recipient model.Principal, amount uint256.Int, tokenType string) (*model.Tip, error) {
	s.tipSender, s.tipAmount, s.tipToken = sender, amount, tokenType
	return s.tipResp, s.tipErr
}

func (s *stubService) SetUserIdentity(ctx context.Context, caller model.Principal, username string) error {
	s.identityCaller = caller
	return s.identityErr
}

func (s *stubService) UpdateUserRewardPoints(ctx context.Context, caller, principal model.Principal, rate uint256.Int) error {
	s.adminCalls++
	return s.rewardRateErr
}

func (s *stubService) AddRewardPoints(ctx context.Context, caller, principal model.Principal, points uint256.Int) (model.UserStats, error) {
	s.adminCalls++
	return s.addPointsResp, s.addPointsErr
}

func (s *stubService) GetUserTipStats(ctx context.Context, p model.Principal) (model.UserStats, error) {
	return s.stats, s.statsErr
}

func (s *stubService) GetUserIdentity(ctx context.Context, p model.Principal) (model.Identity, error) {
	return s.identity, nil
}

func (s *stubService) GetRewardPoints(p model.Principal, amount uint256.Int) uint256.Int {
	if amount.Lt(&policy.DefaultRewardThreshold) {
		return uint256.Int{}
	}
	return policy.DefaultRewardRate
}

func (s *stubService) GetTotalTipsSent(ctx context.Context, p model.Principal) (uint256.Int, error) {
	return s.stats.TotalSent, s.statsErr
}

func (s *stubService) GetTotalTipsReceived(ctx context.Context, p model.Principal) (uint256.Int, error) {
	return s.stats.TotalReceived, s.statsErr
}

func (s *stubService) PreviewNetAmount(p model.Principal, amount uint256.Int) uint256.Int {
	return s.PreviewTip(amount).Net
}

func (s *stubService) PreviewTip(amount uint256.Int) service.Preview {
	var fee, net uint256.Int
	fee.Mul(&amount, uint256.NewInt(5))
	fee.Div(&fee, uint256.NewInt(100))
	net.Sub(&amount, &fee)
	return service.Preview{Amount: amount, Fee: fee, Net: net}
}

func (s *stubService) GetTipHistory(ctx context.Context, p model.Principal, limit int) ([]model.Tip, error) {
	s.limit = limit
	return s.history, nil
}

func (s *stubService) Policy() policy.Params {
	return policy.DefaultParams("SP-FEE")
}

func (s *stubService) Admin() model.Principal { return "SP-ADMIN" }

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func authorize(t *testing.T, h *Handler, req *http.Request, p model.Principal) {
	t.Helper()
	token, err := h.authMiddleware.IssueToken(p, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func serve(h *Handler, req *http.Request) *http.Response {
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec.Result()
}

func decodeError(t *testing.T, res *http.Response) errorDetail {
	t.Helper()
	var body errorResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestTip_RequiresAuth(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/tips", strings.NewReader(`{}`))
	res := serve(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestTip_Success(t *testing.T) {
	tip := &model.Tip{
		ID:        uuid.New(),
		Sender:    "SP-ALICE",
		Recipient: "SP-BOB",
		Amount:    model.Amount(10_000_000),
		Fee:       model.Amount(500_000),
		Net:       model.Amount(9_500_000),
		TokenType: "STX",
		CreatedAt: time.Now().UTC(),
	}
	svc := &stubService{tipResp: tip}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(tipRequest{Recipient: "SP-BOB", Amount: "10000000", TokenType: "STX"})
	req := httptest.NewRequest(http.MethodPost, "/api/tips", bytes.NewReader(body))
	authorize(t, h, req, "SP-ALICE")

	res := serve(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.tipSender != "SP-ALICE" {
		t.Fatalf("sender = %q, want SP-ALICE", svc.tipSender)
	}

	var resp tipResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Fee != "500000" || resp.Net != "9500000" || resp.ID != tip.ID.String() {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestTip_UnparsableAmountReachesServiceAsZero(t *testing.T) {
	svc := &stubService{tipErr: apperror.ErrInvalidAmount}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/tips", strings.NewReader(`{"recipient":"SP-BOB","amount":"-5","token_type":"STX"}`))
	authorize(t, h, req, "SP-ALICE")

	res := serve(h, req)
	defer res.Body.Close()

	if !svc.tipAmount.IsZero() {
		t.Fatalf("amount = %s, want 0", svc.tipAmount.Dec())
	}
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestTip_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   int
		kind   string
	}{
		{"invalid token", apperror.ErrInvalidTokenType, http.StatusBadRequest, 104, "InvalidTokenType"},
		{"invalid recipient", apperror.ErrInvalidRecipient, http.StatusBadRequest, 102, "InvalidRecipient"},
		{"transfer failed", apperror.Wrap(apperror.KindTransferFailed, errors.New("insufficient funds")), http.StatusPaymentRequired, 103, "TransferFailed"},
		{"overflow", model.ErrAmountOverflow, http.StatusUnprocessableEntity, 0, "AmountOverflow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{tipErr: tt.err})

			req := httptest.NewRequest(http.MethodPost, "/api/tips", strings.NewReader(`{"recipient":"SP-BOB","amount":"1","token_type":"ETH"}`))
			authorize(t, h, req, "SP-ALICE")

			res := serve(h, req)
			defer res.Body.Close()

			if res.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.status)
			}
			detail := decodeError(t, res)
			if detail.Code != tt.code || detail.Kind != tt.kind {
				t.Fatalf("error = %+v, want code %d kind %s", detail, tt.code, tt.kind)
			}
		})
	}
}

func TestTip_InternalError(t *testing.T) {
	h := newTestHandler(t, &stubService{tipErr: errors.New("db is down")})

	req := httptest.NewRequest(http.MethodPost, "/api/tips", strings.NewReader(`{"recipient":"SP-BOB","amount":"1","token_type":"STX"}`))
	authorize(t, h, req, "SP-ALICE")

	res := serve(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusInternalServerError)
	}
}

func TestSetIdentity(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPut, "/api/user/identity", strings.NewReader(`{"username":"alice"}`))
	authorize(t, h, req, "SP-ALICE")
	res := serve(h, req)
	res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.identityCaller != "SP-ALICE" {
		t.Fatalf("caller = %q, want SP-ALICE", svc.identityCaller)
	}

	svc.identityErr = apperror.ErrUsernameTaken
	req = httptest.NewRequest(http.MethodPut, "/api/user/identity", strings.NewReader(`{"username":"alice"}`))
	authorize(t, h, req, "SP-BOB")
	res = serve(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
	if d := decodeError(t, res); d.Code != 107 {
		t.Fatalf("code = %d, want 107", d.Code)
	}
}

func TestGetStats_JSONResponse(t *testing.T) {
	svc := &stubService{stats: model.UserStats{
		TotalSent:     model.Amount(5_000_000),
		TotalReceived: model.Amount(4_750_000),
		RewardPoints:  model.Amount(20),
	}}
	h := newTestHandler(t, svc)

	res := serve(h, httptest.NewRequest(http.MethodGet, "/api/users/SP-ALICE/stats", nil))
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp statsResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp != (statsResponse{TotalSent: "5000000", TotalReceived: "4750000", RewardPoints: "20"}) {
		t.Fatalf("unexpected stats: %+v", resp)
	}
}

func TestReadOnlyEndpoints(t *testing.T) {
	svc := &stubService{stats: model.UserStats{TotalSent: model.Amount(7), TotalReceived: model.Amount(3)}}
	h := newTestHandler(t, svc)

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/api/users/SP-ALICE/stats/sent", http.StatusOK, `{"amount":"7"}`},
		{"/api/users/SP-ALICE/stats/received", http.StatusOK, `{"amount":"3"}`},
		{"/api/users/SP-ALICE/rewards?amount=999999", http.StatusOK, `{"points":"0"}`},
		{"/api/users/SP-ALICE/rewards?amount=1000000", http.StatusOK, `{"points":"10"}`},
		{"/api/users/SP-ALICE/tips-received?amount=10000000", http.StatusOK, `{"amount":"9500000"}`},
		{"/api/users/SP-ALICE/identity", http.StatusOK, `{"username":"","verified":false}`},
		{"/api/tips/preview?amount=20", http.StatusOK, `{"amount":"20","fee":"1","net":"19","reward_points":"0"}`},
		{"/api/users/SP-ALICE/rewards?amount=abc", http.StatusBadRequest, ""},
		{"/api/users/SP%20ALICE/stats", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.SetupRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.body != "" && strings.TrimSpace(rec.Body.String()) != tt.body {
				t.Fatalf("body = %s, want %s", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestGetTipHistory(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	res := serve(h, httptest.NewRequest(http.MethodGet, "/api/users/SP-ALICE/tips", nil))
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}

	svc.history = []model.Tip{{ID: uuid.New(), Sender: "SP-ALICE", Recipient: "SP-BOB", TokenType: "STX"}}
	res = serve(h, httptest.NewRequest(http.MethodGet, "/api/users/SP-ALICE/tips?limit=5", nil))
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.limit != 5 {
		t.Fatalf("limit = %d, want 5", svc.limit)
	}

	res = serve(h, httptest.NewRequest(http.MethodGet, "/api/users/SP-ALICE/tips?limit=-1", nil))
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestGetPolicy(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	res := serve(h, httptest.NewRequest(http.MethodGet, "/api/policy", nil))
	defer res.Body.Close()

	var resp policyResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.FeeRatePercent != 5 || resp.FeeCollector != "SP-FEE" || resp.RewardThreshold != "1000000" {
		t.Fatalf("unexpected policy: %+v", resp)
	}
}

func TestAdminEndpoints(t *testing.T) {
	svc := &stubService{rewardRateErr: apperror.ErrUnauthorized}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPut, "/api/admin/reward-rate", strings.NewReader(`{"principal":"SP-ALICE","rate":"50"}`))
	authorize(t, h, req, "SP-ALICE")
	res := serve(h, req)
	res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}

	svc.rewardRateErr = nil
	req = httptest.NewRequest(http.MethodPut, "/api/admin/reward-rate", strings.NewReader(`{"principal":"SP-ALICE","rate":"50"}`))
	authorize(t, h, req, "SP-ADMIN")
	res = serve(h, req)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	svc.addPointsErr = apperror.ErrInvalidRewardRate
	req = httptest.NewRequest(http.MethodPost, "/api/admin/reward-points", strings.NewReader(`{"principal":"SP-BOB","points":"1000"}`))
	authorize(t, h, req, "SP-ADMIN")
	res = serve(h, req)
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if d := decodeError(t, res); d.Kind != "InvalidRewardRate" {
		t.Fatalf("kind = %s, want InvalidRewardRate", d.Kind)
	}
}

func TestAdminEndpoints_NonAdminGetsUnauthorizedBeforeBodyChecks(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"unparsable rate", http.MethodPut, "/api/admin/reward-rate", `{"principal":"SP-ALICE","rate":"abc"}`},
		{"broken json rate", http.MethodPut, "/api/admin/reward-rate", `{"rate":`},
		{"malformed target", http.MethodPost, "/api/admin/reward-points", `{"principal":"bad principal","points":"5"}`},
		{"unparsable points", http.MethodPost, "/api/admin/reward-points", `{"principal":"SP-BOB","points":"-1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{}
			h := newTestHandler(t, svc)

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			authorize(t, h, req, "SP-ALICE")
			res := serve(h, req)
			defer res.Body.Close()

			if res.StatusCode != http.StatusForbidden {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
			}
			if d := decodeError(t, res); d.Kind != "Unauthorized" || d.Code != 100 {
				t.Fatalf("error = %+v, want Unauthorized/100", d)
			}
			if svc.adminCalls != 0 {
				t.Fatalf("service called %d times for non-admin", svc.adminCalls)
			}
		})
	}
}

func TestAdminEndpoints_AdminBadBody(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPut, "/api/admin/reward-rate", strings.NewReader(`{"rate":"abc"}`))
	authorize(t, h, req, "SP-ADMIN")
	res := serve(h, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if d := decodeError(t, res); d.Kind != "InvalidRewardRate" {
		t.Fatalf("kind = %s, want InvalidRewardRate", d.Kind)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	h := newTestHandler(t, &stubService{}).WithMetrics(m.Handler(), middleware.Metrics(m))

	serve(h, httptest.NewRequest(http.MethodGet, "/api/policy", nil)).Body.Close()

	res := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	defer res.Body.Close()

	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(res.Body)
	if !strings.Contains(buf.String(), `route="/api/policy"`) {
		t.Fatalf("metrics do not contain /api/policy route")
	}
}

func TestTip_RateLimited(t *testing.T) {
	svc := &stubService{tipResp: &model.Tip{ID: uuid.New(), Sender: "SP-ALICE", Recipient: "SP-BOB", TokenType: "STX"}}
	limiter := middleware.NewRateLimiter(middleware.RateLimit{RequestsPerMinute: 1, Burst: 1})
	h := newTestHandler(t, svc).WithTipLimiter(limiter.Middleware)

	send := func(p model.Principal) int {
		body, _ := json.Marshal(tipRequest{Recipient: "SP-BOB", Amount: "10000000", TokenType: "STX"})
		req := httptest.NewRequest(http.MethodPost, "/api/tips", bytes.NewReader(body))
		authorize(t, h, req, p)
		res := serve(h, req)
		defer res.Body.Close()
		return res.StatusCode
	}

	if code := send("SP-ALICE"); code != http.StatusOK {
		t.Fatalf("first tip: status = %d, want 200", code)
	}
	if code := send("SP-ALICE"); code != http.StatusTooManyRequests {
		t.Fatalf("second tip: status = %d, want 429", code)
	}
	if code := send("SP-CAROL"); code != http.StatusOK {
		t.Fatalf("other sender: status = %d, want 200", code)
	}
}
