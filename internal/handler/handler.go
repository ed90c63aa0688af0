// Package handler содержит HTTP-обработчики API магазина.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/femilianferuk-droid/proxy/internal/middleware"
	"github.com/femilianferuk-droid/proxy/internal/model"
	"github.com/femilianferuk-droid/proxy/internal/repository"
	"github.com/femilianferuk-droid/proxy/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, id int64, username, firstName string) error
	ListProducts(ctx context.Context, kind model.ProductKind) ([]service.ProductView, error)
	CreateOrder(ctx context.Context, userID, productID int64) (*service.Order, error)
	CheckPayment(ctx context.Context, userID int64) (*service.CheckOutcome, error)
	GetProfile(ctx context.Context, userID int64) (*service.Profile, error)
	ClaimFreeKey(ctx context.Context, userID int64, kind model.FreeKeyKind) (*model.FreeKey, error)

	AddProduct(ctx context.Context, kind model.ProductKind, name string, priceKopecks int64, perItemUserLimit int, instruction string) (int64, error)
	SetProductPrice(ctx context.Context, productID, priceKopecks int64) error
	SetProductInstruction(ctx context.Context, productID int64, instruction string) error
	AddInventory(ctx context.Context, productID int64, payloads []string) (int, error)
	AddFreeKeys(ctx context.Context, kind model.FreeKeyKind, payloads []string, instruction string) (int, error)
	GetStats(ctx context.Context) (*repository.Stats, error)
	Broadcast(ctx context.Context, text string) (sent, failed int, err error)
}

// Handler реализует HTTP-обработчики API магазина.
type Handler struct {
	service   Service
	logger    *zap.Logger
	adminAuth *middleware.AdminAuth
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, adminAuth *middleware.AdminAuth) *Handler {
	return &Handler{
		service:   s,
		logger:    logger,
		adminAuth: adminAuth,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("write response", zap.Error(err))
	}
}

type registerUserRequest struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// RegisterUser регистрирует покупателя при первом обращении.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RegisterUser(r.Context(), req.ID, req.Username, req.FirstName); err != nil {
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type productResponse struct {
	ID             int64  `json:"id"`
	Kind           string `json:"kind"`
	Name           string `json:"name"`
	PriceKopecks   int64  `json:"price_kopecks"`
	PriceCrypto    string `json:"price_crypto"`
	AvailableCount int    `json:"available_count"`
}

// ListProducts возвращает витрину активных товаров с остатками.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	kind := model.ProductKind(r.URL.Query().Get("kind"))

	products, err := h.service.ListProducts(r.Context(), kind)
	if err != nil {
		h.logger.Error("list products error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	res := make([]productResponse, 0, len(products))
	for _, p := range products {
		res = append(res, productResponse{
			ID:             p.ID,
			Kind:           string(p.Kind),
			Name:           p.Name,
			PriceKopecks:   p.PriceKopecks,
			PriceCrypto:    p.PriceCrypto,
			AvailableCount: p.AvailableCount,
		})
	}

	h.writeJSON(w, http.StatusOK, res)
}

type createOrderRequest struct {
	UserID    int64 `json:"user_id"`
	ProductID int64 `json:"product_id"`
}

type createOrderResponse struct {
	InvoiceID    int64     `json:"invoice_id"`
	PayURL       string    `json:"pay_url"`
	AmountCrypto string    `json:"amount_crypto"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// CreateOrder создаёт счёт на оплату товара.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 || req.ProductID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.CreateOrder(r.Context(), req.UserID, req.ProductID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrProductNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrOutOfStock), errors.Is(err, service.ErrProductInactive):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("create order error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, createOrderResponse{
		InvoiceID:    order.InvoiceID,
		PayURL:       order.PayURL,
		AmountCrypto: order.AmountCrypto,
		ExpiresAt:    order.ExpiresAt,
	})
}

type checkPaymentRequest struct {
	UserID int64 `json:"user_id"`
}

type checkPaymentResponse struct {
	Status      string     `json:"status"`
	Payload     string     `json:"payload,omitempty"`
	Instruction string     `json:"instruction,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// CheckPayment выполняет ручную проверку оплаты по запросу покупателя.
func (h *Handler) CheckPayment(w http.ResponseWriter, r *http.Request) {
	var req checkPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	outcome, err := h.service.CheckPayment(r.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, service.ErrNoActivePayment) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("check payment error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, checkPaymentResponse{
		Status:      string(outcome.Status),
		Payload:     outcome.Payload,
		Instruction: outcome.Instruction,
		ExpiresAt:   outcome.ExpiresAt,
	})
}

type profilePurchase struct {
	ProductName string     `json:"product_name"`
	PurchasedAt time.Time  `json:"purchased_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Status      string     `json:"status"`
}

type profileFreeKey struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

type profileResponse struct {
	ID        int64             `json:"id"`
	Username  string            `json:"username"`
	FirstName string            `json:"first_name"`
	JoinedAt  time.Time         `json:"joined_at"`
	Purchases []profilePurchase `json:"purchases"`
	FreeKeys  []profileFreeKey  `json:"free_keys"`
}

// GetProfile возвращает профиль покупателя.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseIDParam(r, "userID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	profile, err := h.service.GetProfile(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get profile error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	res := profileResponse{
		ID:        profile.User.ID,
		Username:  profile.User.Username,
		FirstName: profile.User.FirstName,
		JoinedAt:  profile.User.JoinedAt,
		Purchases: make([]profilePurchase, 0, len(profile.Purchases)),
		FreeKeys:  make([]profileFreeKey, 0, len(profile.FreeKeys)),
	}
	for _, p := range profile.Purchases {
		res.Purchases = append(res.Purchases, profilePurchase{
			ProductName: p.ProductName,
			PurchasedAt: p.PurchasedAt,
			ExpiresAt:   p.ExpiresAt,
			Status:      string(p.Status),
		})
	}
	for _, k := range profile.FreeKeys {
		res.FreeKeys = append(res.FreeKeys, profileFreeKey{
			Kind:    string(k.Kind),
			Payload: k.Payload,
		})
	}

	h.writeJSON(w, http.StatusOK, res)
}

type claimFreeKeyRequest struct {
	UserID int64  `json:"user_id"`
	Kind   string `json:"kind"`
}

type claimFreeKeyResponse struct {
	Payload     string `json:"payload"`
	Instruction string `json:"instruction"`
}

// ClaimFreeKey выдаёт покупателю бесплатный ключ.
func (h *Handler) ClaimFreeKey(w http.ResponseWriter, r *http.Request) {
	var req claimFreeKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	key, err := h.service.ClaimFreeKey(r.Context(), req.UserID, model.FreeKeyKind(req.Kind))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrNoFreeKeys):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("claim free key error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, claimFreeKeyResponse{
		Payload:     key.Payload,
		Instruction: key.Instruction,
	})
}
