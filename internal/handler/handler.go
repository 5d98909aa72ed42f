// Package handler содержит HTTP-обработчики API сервиса учёта переводов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/mmeshcher/tipledger/internal/apperror"
	"github.com/mmeshcher/tipledger/internal/middleware"
	"github.com/mmeshcher/tipledger/internal/model"
	"github.com/mmeshcher/tipledger/internal/policy"
	"github.com/mmeshcher/tipledger/internal/service"
	"github.com/mmeshcher/tipledger/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Tip(ctx context.Context, sender, recipient model.Principal, amount uint256.Int, tokenType string) (*model.Tip, error)
	SetUserIdentity(ctx context.Context, caller model.Principal, username string) error
	UpdateUserRewardPoints(ctx context.Context, caller, principal model.Principal, rate uint256.Int) error
	AddRewardPoints(ctx context.Context, caller, principal model.Principal, points uint256.Int) (model.UserStats, error)
	GetUserTipStats(ctx context.Context, p model.Principal) (model.UserStats, error)
	GetUserIdentity(ctx context.Context, p model.Principal) (model.Identity, error)
	GetRewardPoints(p model.Principal, amount uint256.Int) uint256.Int
	GetTotalTipsSent(ctx context.Context, p model.Principal) (uint256.Int, error)
	GetTotalTipsReceived(ctx context.Context, p model.Principal) (uint256.Int, error)
	PreviewNetAmount(p model.Principal, amount uint256.Int) uint256.Int
	PreviewTip(amount uint256.Int) service.Preview
	GetTipHistory(ctx context.Context, p model.Principal, limit int) ([]model.Tip, error)
	Policy() policy.Params
	Admin() model.Principal
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        http.Handler
	observe        func(http.Handler) http.Handler
	tipLimiter     []func(http.Handler) http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// WithMetrics подключает эндпоинт /metrics и учёт запросов.
func (h *Handler) WithMetrics(scrape http.Handler, observe func(http.Handler) http.Handler) *Handler {
	h.metrics = scrape
	h.observe = observe
	return h
}

// WithTipLimiter ограничивает частоту POST /api/tips.
func (h *Handler) WithTipLimiter(mw func(http.Handler) http.Handler) *Handler {
	h.tipLimiter = append(h.tipLimiter, mw)
	return h
}

type errorDetail struct {
	Code    int    `json:"code,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

func (h *Handler) writeKind(w http.ResponseWriter, kind apperror.Kind, msg string) {
	h.writeJSON(w, kind.HTTPStatus(), errorResponse{Error: errorDetail{
		Code:    kind.Code(),
		Kind:    kind.String(),
		Message: msg,
	}})
}

// writeError отображает ошибку сервиса в HTTP-ответ.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if kind, ok := apperror.KindOf(err); ok {
		h.writeKind(w, kind, err.Error())
		return
	}
	if errors.Is(err, model.ErrAmountOverflow) {
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: errorDetail{
			Kind:    "AmountOverflow",
			Message: err.Error(),
		}})
		return
	}

	h.logger.Error("request failed", zap.Error(err), zap.String("method", r.Method), zap.String("uri", r.RequestURI))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// caller возвращает учётную запись из контекста, иначе отвечает 401.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (model.Principal, bool) {
	p, ok := middleware.GetPrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return "", false
	}
	return p, true
}

// admin пропускает только администратора. Тело запроса до этой проверки не разбирается.
func (h *Handler) admin(w http.ResponseWriter, r *http.Request) (model.Principal, bool) {
	caller, ok := h.caller(w, r)
	if !ok {
		return "", false
	}
	if caller != h.service.Admin() {
		h.writeKind(w, apperror.KindUnauthorized, "caller is not the administrator")
		return "", false
	}
	return caller, true
}

func (h *Handler) pathPrincipal(w http.ResponseWriter, r *http.Request) (model.Principal, bool) {
	p := chi.URLParam(r, "principal")
	if !validation.IsValidPrincipal(p) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return "", false
	}
	return model.Principal(p), true
}

func (h *Handler) parseAmount(w http.ResponseWriter, raw string) (uint256.Int, bool) {
	v, err := model.ParseAmount(raw)
	if err != nil {
		h.writeKind(w, apperror.KindInvalidAmount, "amount must be a decimal integer below 2^128")
		return uint256.Int{}, false
	}
	return v, true
}

func (h *Handler) queryAmount(w http.ResponseWriter, r *http.Request) (uint256.Int, bool) {
	return h.parseAmount(w, r.URL.Query().Get("amount"))
}

type tipRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	TokenType string `json:"token_type"`
}

type tipResponse struct {
	ID           string `json:"id"`
	Sender       string `json:"sender"`
	Recipient    string `json:"recipient"`
	Amount       string `json:"amount"`
	Fee          string `json:"fee"`
	Net          string `json:"net"`
	TokenType    string `json:"token_type"`
	RewardPoints string `json:"reward_points"`
	CreatedAt    string `json:"created_at"`
}

func newTipResponse(t *model.Tip) tipResponse {
	return tipResponse{
		ID:           t.ID.String(),
		Sender:       string(t.Sender),
		Recipient:    string(t.Recipient),
		Amount:       t.Amount.Dec(),
		Fee:          t.Fee.Dec(),
		Net:          t.Net.Dec(),
		TokenType:    t.TokenType,
		RewardPoints: t.RewardPoints.Dec(),
		CreatedAt:    t.CreatedAt.Format(time.RFC3339),
	}
}

// Tip выполняет перевод от имени текущего пользователя.
func (h *Handler) Tip(w http.ResponseWriter, r *http.Request) {
	sender, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req tipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	// Неразборчивая сумма передаётся как ноль: сервис вернёт ошибку в порядке проверок.
	amount, err := model.ParseAmount(req.Amount)
	if err != nil {
		amount = uint256.Int{}
	}

	tip, err := h.service.Tip(r.Context(), sender, model.Principal(req.Recipient), amount, req.TokenType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newTipResponse(tip))
}

type previewResponse struct {
	Amount       string `json:"amount"`
	Fee          string `json:"fee"`
	Net          string `json:"net"`
	RewardPoints string `json:"reward_points"`
}

// PreviewTip показывает разбиение суммы перевода без его выполнения.
func (h *Handler) PreviewTip(w http.ResponseWriter, r *http.Request) {
	amount, ok := h.queryAmount(w, r)
	if !ok {
		return
	}

	p := h.service.PreviewTip(amount)
	h.writeJSON(w, http.StatusOK, previewResponse{
		Amount:       p.Amount.Dec(),
		Fee:          p.Fee.Dec(),
		Net:          p.Net.Dec(),
		RewardPoints: p.RewardPoints.Dec(),
	})
}

type identityRequest struct {
	Username string `json:"username"`
}

type identityResponse struct {
	Username string `json:"username"`
	Verified bool   `json:"verified"`
}

// SetIdentity закрепляет имя за текущим пользователем.
func (h *Handler) SetIdentity(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetUserIdentity(r.Context(), caller, req.Username); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, identityResponse{Username: req.Username, Verified: true})
}

// GetIdentity возвращает запись реестра имён.
func (h *Handler) GetIdentity(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pathPrincipal(w, r)
	if !ok {
		return
	}

	id, err := h.service.GetUserIdentity(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, identityResponse{Username: id.Username, Verified: id.Verified})
}

type statsResponse struct {
	TotalSent     string `json:"total_sent"`
	TotalReceived string `json:"total_received"`
	RewardPoints  string `json:"reward_points"`
}

func newStatsResponse(s model.UserStats) statsResponse {
	return statsResponse{
		TotalSent:     s.TotalSent.Dec(),
		TotalReceived: s.TotalReceived.Dec(),
		RewardPoints:  s.RewardPoints.Dec(),
	}
}

// GetStats возвращает статистику пользователя.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pathPrincipal(w, r)
	if !ok {
		return
	}

	stats, err := h.service.GetUserTipStats(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newStatsResponse(stats))
}

type amountResponse struct {
	Amount string `json:"amount"`
}

// GetTotalSent возвращает сумму отправленных переводов.
func (h *Handler) GetTotalSent(w http.ResponseWriter, r *http.Request) {
	h.totalOf(w, r, h.service.GetTotalTipsSent)
}

// GetTotalReceived возвращает сумму полученных переводов.
func (h *Handler) GetTotalReceived(w http.ResponseWriter, r *http.Request) {
	h.totalOf(w, r, h.service.GetTotalTipsReceived)
}

func (h *Handler) totalOf(w http.ResponseWriter, r *http.Request, get func(context.Context, model.Principal) (uint256.Int, error)) {
	p, ok := h.pathPrincipal(w, r)
	if !ok {
		return
	}

	total, err := get(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, amountResponse{Amount: total.Dec()})
}

type pointsResponse struct {
	Points string `json:"points"`
}

// GetRewardPoints показывает баллы, которые принёс бы перевод на указанную сумму.
func (h *Handler) GetRewardPoints(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pathPrincipal(w, r)
	if !ok {
		return
	}
	amount, ok := h.queryAmount(w, r)
	if !ok {
		return
	}

	points := h.service.GetRewardPoints(p, amount)
	h.writeJSON(w, http.StatusOK, pointsResponse{Points: points.Dec()})
}

// GetTipsReceived показывает чистую сумму, которую получил бы адресат перевода.
func (h *Handler) GetTipsReceived(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pathPrincipal(w, r)
	if !ok {
		return
	}
	amount, ok := h.queryAmount(w, r)
	if !ok {
		return
	}

	net := h.service.PreviewNetAmount(p, amount)
	h.writeJSON(w, http.StatusOK, amountResponse{Amount: net.Dec()})
}

// GetTipHistory возвращает последние переводы пользователя.
func (h *Handler) GetTipHistory(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pathPrincipal(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = n
	}

	tips, err := h.service.GetTipHistory(r.Context(), p, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(tips) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]tipResponse, 0, len(tips))
	for i := range tips {
		resp = append(resp, newTipResponse(&tips[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type policyResponse struct {
	FeeRatePercent  uint64   `json:"fee_rate_percent"`
	MaxTipAmount    string   `json:"max_tip_amount"`
	RewardThreshold string   `json:"reward_threshold"`
	RewardRate      string   `json:"reward_rate"`
	MaxRewardRate   string   `json:"max_reward_rate"`
	AllowedTokens   []string `json:"allowed_tokens"`
	FeeCollector    string   `json:"fee_collector"`
}

// GetPolicy возвращает текущие параметры комиссии и начисления баллов.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p := h.service.Policy()
	h.writeJSON(w, http.StatusOK, policyResponse{
		FeeRatePercent:  p.FeeRatePercent,
		MaxTipAmount:    p.MaxTipAmount.Dec(),
		RewardThreshold: p.RewardThreshold.Dec(),
		RewardRate:      p.RewardRate.Dec(),
		MaxRewardRate:   p.MaxRewardRate.Dec(),
		AllowedTokens:   p.AllowedTokens,
		FeeCollector:    string(p.FeeCollector),
	})
}

type rewardRateRequest struct {
	Principal string `json:"principal"`
	Rate      string `json:"rate"`
}

// UpdateRewardRate меняет глобальную ставку начисления баллов. Только для администратора.
func (h *Handler) UpdateRewardRate(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.admin(w, r)
	if !ok {
		return
	}

	var req rewardRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rate, err := model.ParseAmount(req.Rate)
	if err != nil {
		h.writeKind(w, apperror.KindInvalidRewardRate, "rate must be a decimal integer")
		return
	}

	if err := h.service.UpdateUserRewardPoints(r.Context(), caller, model.Principal(req.Principal), rate); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type rewardPointsRequest struct {
	Principal string `json:"principal"`
	Points    string `json:"points"`
}

// AddRewardPoints начисляет баллы пользователю. Только для администратора.
func (h *Handler) AddRewardPoints(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.admin(w, r)
	if !ok {
		return
	}

	var req rewardPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	points, err := model.ParseAmount(req.Points)
	if err != nil {
		h.writeKind(w, apperror.KindInvalidRewardRate, "points must be a decimal integer")
		return
	}

	stats, err := h.service.AddRewardPoints(r.Context(), caller, model.Principal(req.Principal), points)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newStatsResponse(stats))
}
