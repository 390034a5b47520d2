package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bookswap-hq/bookswap/backend/internal/auth"
	"github.com/bookswap-hq/bookswap/backend/internal/catalog"
	"github.com/bookswap-hq/bookswap/backend/internal/exchange"
	"github.com/bookswap-hq/bookswap/backend/internal/ledger"
	"github.com/bookswap-hq/bookswap/backend/internal/users"
	"github.com/bookswap-hq/bookswap/backend/internal/valuation"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "bookswap_user_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingTokenManager     = errors.New("token manager dependency required")
	errMissingUsersService     = errors.New("users service dependency required")
	errMissingLedgerService    = errors.New("ledger service dependency required")
	errMissingCatalogService   = errors.New("catalog service dependency required")
	errMissingExchangeService  = errors.New("exchange service dependency required")
	errMissingValuationEngine  = errors.New("valuation engine dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// SessionVerifier validates identity-provider session tokens.
type SessionVerifier interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// BackendTokenManager issues and validates backend bearer tokens.
type BackendTokenManager interface {
	IssueBackendToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP layer to the exchange core.
type Dependencies struct {
	SessionValidator SessionVerifier
	TokenManager     BackendTokenManager
	Users            *users.Service
	Ledger           *ledger.Service
	Catalog          *catalog.Service
	Exchange         *exchange.Service
	Valuation        *valuation.Engine
	Realtime         *RealtimeDispatcher
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router for the exchange API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Ledger == nil {
		return nil, errMissingLedgerService
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalogService
	}
	if deps.Exchange == nil {
		return nil, errMissingExchangeService
	}
	if deps.Valuation == nil {
		return nil, errMissingValuationEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		tokens:    deps.TokenManager,
		users:     deps.Users,
		ledger:    deps.Ledger,
		catalog:   deps.Catalog,
		exchange:  deps.Exchange,
		valuation: deps.Valuation,
		realtime:  realtime,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/session", handler.handleSessionExchange)
	router.GET("/books", handler.handleBrowseBooks)
	router.GET("/books/:id", handler.handleGetBook)
	router.GET("/books/:id/value", handler.handleBookValue)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/books", handler.handleListBook)
	protected.POST("/books/:id/requests", handler.handleCreateRequest)
	protected.POST("/requests/:id/accept", handler.handleAcceptRequest)
	protected.POST("/requests/:id/decline", handler.handleDeclineRequest)
	protected.POST("/requests/:id/cancel", handler.handleCancelRequest)
	protected.POST("/requests/:id/complete", handler.handleCompleteExchange)
	protected.GET("/requests/incoming", handler.handleIncomingRequests)
	protected.GET("/requests/outgoing", handler.handleOutgoingRequests)
	protected.GET("/requests/counts", handler.handleRequestCounts)
	protected.GET("/me/points", handler.handleMyPoints)
	protected.GET("/me/transactions", handler.handleMyTransactions)
	protected.GET("/events/stream", handler.handleEventsStream)
	protected.GET("/events/ws", handler.handleEventsWS)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	sessions  SessionVerifier
	tokens    BackendTokenManager
	users     *users.Service
	ledger    *ledger.Service
	catalog   *catalog.Service
	exchange  *exchange.Service
	valuation *valuation.Engine
	realtime  *RealtimeDispatcher
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type sessionRequestPayload struct {
	SessionToken string `json:"session_token"`
}

type sessionResponsePayload struct {
	AccessToken string         `json:"access_token"`
	ExpiresIn   int64          `json:"expires_in"`
	TokenType   string         `json:"token_type"`
	User        accountPayload `json:"user"`
}

type accountPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Points      int64  `json:"points"`
}

// handleSessionExchange validates an identity-provider session token,
// provisions the account on first sight, and issues a backend bearer token.
func (h *httpHandler) handleSessionExchange(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SessionToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.sessions.ValidateToken(request.SessionToken)
	if err != nil {
		h.logger.Warn("session token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	account, err := h.users.Resolve(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("account resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_resolution_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueBackendToken(c.Request.Context(), account.UserID)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		User: accountPayload{
			UserID:      account.UserID,
			DisplayName: account.DisplayName,
			Points:      account.Points,
		},
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		// Streaming clients cannot set headers; accept a query token there.
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

type bookPayload struct {
	BookID           string `json:"book_id"`
	DigitalID        string `json:"digital_id"`
	Title            string `json:"title"`
	Author           string `json:"author"`
	Condition        string `json:"condition"`
	OwnerID          string `json:"owner_id"`
	IsAvailable      bool   `json:"is_available"`
	PointValue       int64  `json:"point_value"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func toBookPayload(book catalog.Book) bookPayload {
	return bookPayload{
		BookID:           book.BookID,
		DigitalID:        book.DigitalID,
		Title:            book.Title,
		Author:           book.Author,
		Condition:        string(book.Condition),
		OwnerID:          book.OwnerID,
		IsAvailable:      book.Available,
		PointValue:       book.PointValue,
		CreatedAtSeconds: book.CreatedAtSeconds,
	}
}

type listBookPayload struct {
	Title     string `json:"title"`
	Author    string `json:"author"`
	Condition string `json:"condition"`
	DigitalID string `json:"digital_id"`
}

func (h *httpHandler) handleListBook(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request listBookPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	condition, err := catalog.ParseCondition(request.Condition)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_condition"})
		return
	}

	book, err := h.catalog.ListBook(c.Request.Context(), catalog.ListingInput{
		OwnerID:   userID,
		Title:     request.Title,
		Author:    request.Author,
		Condition: condition,
		DigitalID: request.DigitalID,
	})
	if err != nil {
		if errors.Is(err, catalog.ErrInvalidListing) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_listing", "message": err.Error()})
			return
		}
		h.logger.Error("failed to list book", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"book": toBookPayload(book)})
}

func (h *httpHandler) handleBrowseBooks(c *gin.Context) {
	page, err := h.catalog.ListAvailable(c.Request.Context(), c.Query("cursor"), parseLimit(c))
	if err != nil {
		h.logger.Error("failed to browse books", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "browse_failed"})
		return
	}

	books := make([]bookPayload, 0, len(page.Books))
	for _, book := range page.Books {
		books = append(books, toBookPayload(book))
	}
	c.JSON(http.StatusOK, gin.H{"books": books, "next_cursor": page.NextCursor})
}

func (h *httpHandler) handleGetBook(c *gin.Context) {
	book, err := h.catalog.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, catalog.ErrBookNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "book_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load book", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"book": toBookPayload(book)})
}

func (h *httpHandler) handleBookValue(c *gin.Context) {
	book, err := h.catalog.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, catalog.ErrBookNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "book_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load book", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	appraisal, err := h.valuation.Appraise(c.Request.Context(), book)
	if err != nil {
		h.logger.Error("failed to appraise book", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "appraisal_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"points": appraisal.Points, "breakdown": appraisal.Breakdown})
}

type requestPayload struct {
	RequestID        string `json:"request_id"`
	BookID           string `json:"book_id"`
	RequesterID      string `json:"requester_id"`
	OwnerID          string `json:"owner_id"`
	PointsOffered    int64  `json:"points_offered"`
	Message          string `json:"message,omitempty"`
	Status           string `json:"status"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func toRequestPayload(request exchange.Request) requestPayload {
	return requestPayload{
		RequestID:        request.RequestID,
		BookID:           request.BookID,
		RequesterID:      request.RequesterID,
		OwnerID:          request.OwnerID,
		PointsOffered:    request.PointsOffered,
		Message:          request.Message,
		Status:           string(request.Status),
		CreatedAtSeconds: request.CreatedAtSeconds,
	}
}

type createRequestPayload struct {
	Message string `json:"message"`
}

func (h *httpHandler) handleCreateRequest(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request createRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	created, err := h.exchange.CreateRequest(c.Request.Context(), c.Param("id"), userID, request.Message)
	if err != nil {
		h.respondExchangeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"request":      toRequestPayload(created),
		"points_spent": created.PointsOffered,
	})
}

func (h *httpHandler) handleAcceptRequest(c *gin.Context) {
	h.handleTransition(c, h.exchange.AcceptRequest)
}

func (h *httpHandler) handleDeclineRequest(c *gin.Context) {
	h.handleTransition(c, h.exchange.DeclineRequest)
}

func (h *httpHandler) handleCancelRequest(c *gin.Context) {
	h.handleTransition(c, h.exchange.CancelRequest)
}

func (h *httpHandler) handleCompleteExchange(c *gin.Context) {
	h.handleTransition(c, h.exchange.CompleteExchange)
}

func (h *httpHandler) handleTransition(c *gin.Context, transition func(ctx context.Context, requestID, actingUserID string) (exchange.Request, error)) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	request, err := transition(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.respondExchangeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": toRequestPayload(request)})
}

func (h *httpHandler) handleIncomingRequests(c *gin.Context) {
	h.handleRequestList(c, h.exchange.Incoming)
}

func (h *httpHandler) handleOutgoingRequests(c *gin.Context) {
	h.handleRequestList(c, h.exchange.Outgoing)
}

func (h *httpHandler) handleRequestList(c *gin.Context, list func(ctx context.Context, userID string, filter *exchange.Status) ([]exchange.Request, error)) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var filter *exchange.Status
	if raw := c.Query("status"); raw != "" {
		status, err := exchange.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status_filter"})
			return
		}
		filter = &status
	}

	requests, err := list(c.Request.Context(), userID, filter)
	if err != nil {
		h.respondExchangeError(c, err)
		return
	}

	payloads := make([]requestPayload, 0, len(requests))
	for _, request := range requests {
		payloads = append(payloads, toRequestPayload(request))
	}
	c.JSON(http.StatusOK, gin.H{"requests": payloads})
}

func (h *httpHandler) handleRequestCounts(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	counts, err := h.exchange.RequestCounts(c.Request.Context(), userID)
	if err != nil {
		h.respondExchangeError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *httpHandler) handleMyPoints(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	points, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
			return
		}
		h.logger.Error("failed to load balance", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"points": points})
}

type transactionPayload struct {
	TxID             string `json:"tx_id"`
	Amount           int64  `json:"amount"`
	Type             string `json:"type"`
	Description      string `json:"description"`
	BookID           string `json:"book_id,omitempty"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func (h *httpHandler) handleMyTransactions(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	page, err := h.ledger.History(c.Request.Context(), userID, c.Query("cursor"), parseLimit(c))
	if err != nil {
		h.logger.Error("failed to load transaction history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}

	transactions := make([]transactionPayload, 0, len(page.Transactions))
	for _, tx := range page.Transactions {
		transactions = append(transactions, transactionPayload{
			TxID:             tx.TxID,
			Amount:           tx.Amount,
			Type:             string(tx.Type),
			Description:      tx.Description,
			BookID:           tx.BookID,
			CreatedAtSeconds: tx.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"transactions": transactions, "next_cursor": page.NextCursor})
}

func (h *httpHandler) respondExchangeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch exchange.KindOf(err) {
	case exchange.KindNotFound:
		status = http.StatusNotFound
	case exchange.KindForbidden:
		status = http.StatusForbidden
	case exchange.KindBadRequest:
		status = http.StatusBadRequest
	}

	var serviceErr *exchange.Error
	if errors.As(err, &serviceErr) {
		code := serviceErr.Code()
		reason := code
		if idx := strings.LastIndex(code, "."); idx >= 0 {
			reason = code[idx+1:]
		}
		if status == http.StatusInternalServerError {
			h.logger.Error("exchange operation failed", zap.String("code", code), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": reason, "code": code, "message": serviceErr.Message()})
		return
	}

	h.logger.Error("exchange operation failed", zap.Error(err))
	c.JSON(status, gin.H{"error": "internal_error"})
}

func parseLimit(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
