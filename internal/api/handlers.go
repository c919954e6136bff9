// Package api exposes the token-scoped REST surface over committed
// transactions, plus the viewer entry point linked from chat.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xiaohaiyan/shoebox/internal/auth"
	"github.com/xiaohaiyan/shoebox/internal/common"
	"github.com/xiaohaiyan/shoebox/internal/model"
	"github.com/xiaohaiyan/shoebox/internal/service"
)

// dateLayout is the wire format for transaction dates.
const dateLayout = "2006-01-02"

// defaultListLimit bounds unpaginated list queries.
const defaultListLimit = 50

// transactionResponse is the wire shape of a committed record.
type transactionResponse struct {
	ID              int64   `json:"id"`
	UserID          string  `json:"user_id"`
	Amount          float64 `json:"amount"`
	Vendor          string  `json:"vendor"`
	Category        string  `json:"category"`
	TransactionDate string  `json:"transaction_date"`
	Description     string  `json:"description,omitempty"`
	ImageURL        string  `json:"image_url,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func toResponse(txn *model.Transaction) transactionResponse {
	return transactionResponse{
		ID:              txn.ID,
		UserID:          txn.UserID,
		Amount:          txn.Amount,
		Vendor:          txn.Vendor,
		Category:        txn.Category,
		TransactionDate: txn.TransactionDate.Format(dateLayout),
		Description:     txn.Description,
		ImageURL:        txn.ImageURL,
		CreatedAt:       txn.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       txn.UpdatedAt.Format(time.RFC3339),
	}
}

// createTransactionRequest is a manual entry made from the web viewer.
type createTransactionRequest struct {
	Amount          float64 `json:"amount" binding:"required,gt=0"`
	Vendor          string  `json:"vendor" binding:"required"`
	Category        string  `json:"category"`
	TransactionDate string  `json:"transaction_date"`
	Description     string  `json:"description"`
}

// updateTransactionRequest edits a committed record; absent fields stay.
type updateTransactionRequest struct {
	Amount          *float64 `json:"amount"`
	Vendor          *string  `json:"vendor"`
	Category        *string  `json:"category"`
	TransactionDate *string  `json:"transaction_date"`
	Description     *string  `json:"description"`
}

// Handler serves the REST routes.
type Handler struct {
	store  service.Storage
	issuer *auth.Issuer
}

// NewHandler wires the REST handler.
func NewHandler(store service.Storage, issuer *auth.Issuer) *Handler {
	return &Handler{store: store, issuer: issuer}
}

// IssueToken mints a viewer token for a user. The route is meant to sit
// behind the operator's network boundary; chat users get theirs through the
// menu command instead.
func (h *Handler) IssueToken(c *gin.Context) {
	userID := c.Param("user_id")

	token, err := h.issuer.Issue(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(auth.DefaultTokenTTL.Seconds()),
	})
}

// ViewerEntry resolves a path-carried token to the user's transactions. This
// is the landing target of the link sent in chat.
func (h *Handler) ViewerEntry(c *gin.Context) {
	userID, err := h.issuer.Verify(c.Param("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "链接已失效，请在对话中回复'3'重新获取。"})
		return
	}

	transactions, err := h.store.ListTransactionsByUser(c.Request.Context(), userID, service.TransactionFilter{Limit: defaultListLimit})
	if err != nil {
		slog.Error("Failed to list transactions", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      userID,
		"transactions": toResponses(transactions),
	})
}

// ListTransactions returns the authenticated user's records, newest first.
func (h *Handler) ListTransactions(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	transactions, err := h.store.ListTransactionsByUser(c.Request.Context(), auth.UserID(c), filter)
	if err != nil {
		slog.Error("Failed to list transactions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": toResponses(transactions)})
}

// GetTransaction returns one record owned by the authenticated user.
func (h *Handler) GetTransaction(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}

	txn, err := h.store.GetTransactionByID(c.Request.Context(), id, auth.UserID(c))
	if err != nil {
		h.storageError(c, err)
		return
	}

	c.JSON(http.StatusOK, toResponse(txn))
}

// CreateTransaction records a manual entry for the authenticated user.
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req createTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	date := time.Now().Truncate(24 * time.Hour)
	if req.TransactionDate != "" {
		parsed, err := time.Parse(dateLayout, req.TransactionDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "transaction_date must be YYYY-MM-DD"})
			return
		}
		date = parsed
	}

	category := req.Category
	if category == "" {
		category = "其他"
	}

	txn := &model.Transaction{
		UserID:          auth.UserID(c),
		Amount:          req.Amount,
		Vendor:          req.Vendor,
		Category:        category,
		TransactionDate: date,
		Description:     req.Description,
	}

	id, err := h.store.CreateTransaction(c.Request.Context(), txn)
	if err != nil {
		slog.Error("Failed to create transaction", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	txn.ID = id

	c.JSON(http.StatusCreated, toResponse(txn))
}

// UpdateTransaction applies a partial edit to an owned record.
func (h *Handler) UpdateTransaction(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}

	var req updateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	update := model.TransactionUpdate{
		Amount:      req.Amount,
		Vendor:      req.Vendor,
		Category:    req.Category,
		Description: req.Description,
	}
	if req.TransactionDate != nil {
		parsed, err := time.Parse(dateLayout, *req.TransactionDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "transaction_date must be YYYY-MM-DD"})
			return
		}
		update.TransactionDate = &parsed
	}

	txn, err := h.store.UpdateTransaction(c.Request.Context(), id, auth.UserID(c), update)
	if err != nil {
		h.storageError(c, err)
		return
	}

	c.JSON(http.StatusOK, toResponse(txn))
}

// DeleteTransaction removes an owned record.
func (h *Handler) DeleteTransaction(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}

	if err := h.store.DeleteTransaction(c.Request.Context(), id, auth.UserID(c)); err != nil {
		h.storageError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) storageError(c *gin.Context, err error) {
	if errors.Is(err, common.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	slog.Error("Storage operation failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func toResponses(transactions []model.Transaction) []transactionResponse {
	out := make([]transactionResponse, 0, len(transactions))
	for i := range transactions {
		out = append(out, toResponse(&transactions[i]))
	}
	return out
}

func parseFilter(c *gin.Context) (service.TransactionFilter, error) {
	filter := service.TransactionFilter{Limit: defaultListLimit}

	if raw := c.Query("start_date"); raw != "" {
		parsed, err := time.Parse(dateLayout, raw)
		if err != nil {
			return filter, errors.New("start_date must be YYYY-MM-DD")
		}
		filter.StartDate = &parsed
	}
	if raw := c.Query("end_date"); raw != "" {
		parsed, err := time.Parse(dateLayout, raw)
		if err != nil {
			return filter, errors.New("end_date must be YYYY-MM-DD")
		}
		filter.EndDate = &parsed
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = offset
	}

	return filter, nil
}
