package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/femilianferuk-droid/proxy/internal/model"
	"github.com/femilianferuk-droid/proxy/internal/repository"
	"github.com/femilianferuk-droid/proxy/internal/service"
)

func parseIDParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type addProductRequest struct {
	Kind             string `json:"kind"`
	Name             string `json:"name"`
	PriceKopecks     int64  `json:"price_kopecks"`
	PerItemUserLimit int    `json:"per_item_user_limit"`
	Instruction      string `json:"instruction"`
}

// AddProduct добавляет товар в каталог.
func (h *Handler) AddProduct(w http.ResponseWriter, r *http.Request) {
	var req addProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.AddProduct(r.Context(), model.ProductKind(req.Kind), req.Name, req.PriceKopecks, req.PerItemUserLimit, req.Instruction)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("add product error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

type setPriceRequest struct {
	PriceKopecks int64 `json:"price_kopecks"`
}

// SetProductPrice изменяет цену товара. Криптоэквивалент фиксируется
// по курсу на момент изменения.
func (h *Handler) SetProductPrice(w http.ResponseWriter, r *http.Request) {
	productID, ok := parseIDParam(r, "productID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req setPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetProductPrice(r.Context(), productID, req.PriceKopecks); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrProductNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("set price error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type setInstructionRequest struct {
	Instruction string `json:"instruction"`
}

// SetProductInstruction изменяет инструкцию товара.
func (h *Handler) SetProductInstruction(w http.ResponseWriter, r *http.Request) {
	productID, ok := parseIDParam(r, "productID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req setInstructionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetProductInstruction(r.Context(), productID, req.Instruction); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrProductNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("set instruction error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type addItemsRequest struct {
	Payloads []string `json:"payloads"`
}

// AddItems добавляет партию единиц товара в пул.
func (h *Handler) AddItems(w http.ResponseWriter, r *http.Request) {
	productID, ok := parseIDParam(r, "productID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req addItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	added, err := h.service.AddInventory(r.Context(), productID, req.Payloads)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrProductNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("add items error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]int{"added": added})
}

type addFreeKeysRequest struct {
	Kind        string   `json:"kind"`
	Payloads    []string `json:"payloads"`
	Instruction string   `json:"instruction"`
}

// AddFreeKeys добавляет партию бесплатных ключей.
func (h *Handler) AddFreeKeys(w http.ResponseWriter, r *http.Request) {
	var req addFreeKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	added, err := h.service.AddFreeKeys(r.Context(), model.FreeKeyKind(req.Kind), req.Payloads, req.Instruction)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("add free keys error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]int{"added": added})
}

type statsSale struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Sold      int64  `json:"sold"`
}

type statsResponse struct {
	TotalUsers      int64       `json:"total_users"`
	ActivePurchases int64       `json:"active_purchases"`
	RevenueKopecks  int64       `json:"revenue_kopecks"`
	Sales           []statsSale `json:"sales"`
}

// GetStats возвращает сводную статистику магазина.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStats(r.Context())
	if err != nil {
		h.logger.Error("get stats error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	res := statsResponse{
		TotalUsers:      stats.TotalUsers,
		ActivePurchases: stats.ActivePurchases,
		RevenueKopecks:  stats.RevenueKopecks,
		Sales:           make([]statsSale, 0, len(stats.Sales)),
	}
	for _, s := range stats.Sales {
		res.Sales = append(res.Sales, statsSale{ProductID: s.ProductID, Name: s.Name, Sold: s.Sold})
	}

	h.writeJSON(w, http.StatusOK, res)
}

type broadcastRequest struct {
	Text string `json:"text"`
}

type broadcastResponse struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Broadcast рассылает сообщение всем пользователям.
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sent, failed, err := h.service.Broadcast(r.Context(), req.Text)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("broadcast error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, broadcastResponse{Sent: sent, Failed: failed})
}
