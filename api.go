package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var validate = validator.New()

// APIServer exposes the wallet security core over HTTP.
type APIServer struct {
	echo      *echo.Echo
	db        *gorm.DB
	executor  *TransferExecutor
	approvals *ApprovalLedger
	vault     *KeyVault
	audit     *AuditLog
	hub       *EventHub
	logger    Logger
}

// NewAPIServer wires the routes.
func NewAPIServer(db *gorm.DB, executor *TransferExecutor, approvals *ApprovalLedger, vault *KeyVault, audit *AuditLog, hub *EventHub, logger Logger) *APIServer {
	s := &APIServer{
		echo:      echo.New(),
		db:        db,
		executor:  executor,
		approvals: approvals,
		vault:     vault,
		audit:     audit,
		hub:       hub,
		logger:    logger.NewSystem("api"),
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.HTTPErrorHandler = s.errorHandler

	v1 := s.echo.Group("/v1")
	v1.POST("/transfers", s.handleCreateTransfer)
	v1.GET("/transfers/:id", s.handleGetTransfer)
	v1.POST("/transfers/:id/cancel", s.handleCancelTransfer)
	v1.POST("/approvals", s.handleRecordApproval)
	v1.POST("/keys/:identity/rotate", s.handleRotateKey)
	v1.GET("/keys/:identity/health", s.handleKeyHealth)
	v1.GET("/keys/:identity/history", s.handleKeyHistory)
	v1.GET("/audit/events", s.handleListEvents)
	v1.GET("/events/ws", s.handleEventsWS)
	s.echo.GET("/healthz", s.handleHealthz)

	return s
}

// Start serves HTTP on the given address until the listener fails.
func (s *APIServer) Start(addr string) error {
	return s.echo.Start(addr)
}

// Echo exposes the underlying router, used by tests.
func (s *APIServer) Echo() *echo.Echo {
	return s.echo
}

type errorResponse struct {
	Error string `json:"error"`
}

// errorHandler maps domain errors to HTTP statuses. Only client-safe
// messages reach the response body.
func (s *APIServer) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var httpErr *echo.HTTPError
	var apiErr APIError
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errors.As(err, &httpErr):
		status = httpErr.Code
		message = http.StatusText(status)
	case errors.As(err, &apiErr):
		status = http.StatusBadRequest
		message = apiErr.Error()
	case errors.Is(err, ErrTransferNotFound), errors.Is(err, ErrKeyVersionNotFound):
		status = http.StatusNotFound
		message = err.Error()
	case errors.Is(err, ErrUnknownRole):
		status = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, ErrAdminRequired):
		status = http.StatusForbidden
		message = err.Error()
	case errors.Is(err, ErrDuplicateApproval), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrExecutionInFlight):
		status = http.StatusConflict
		message = err.Error()
	default:
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}

	if err := c.JSON(status, errorResponse{Error: message}); err != nil {
		s.logger.Error("failed to write error response", "error", err)
	}
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, APIErrorf("invalid amount: %s", raw)
	}
	return amount, nil
}

type createTransferRequest struct {
	IdentityID  string `json:"identity_id" validate:"required"`
	Destination string `json:"destination" validate:"required"`
	Amount      string `json:"amount" validate:"required"`
	SourceType  string `json:"source_type" validate:"required"`
	SourceID    string `json:"source_id" validate:"required"`
}

type transferResponse struct {
	Transfer TransferSummary `json:"transfer"`
	Verdict  Verdict         `json:"verdict"`
}

func (s *APIServer) handleCreateTransfer(c echo.Context) error {
	var req createTransferRequest
	if err := c.Bind(&req); err != nil {
		return APIErrorf("invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return APIErrorf("invalid request: %s", err.Error())
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		return err
	}

	transfer, verdict, err := s.executor.RequestTransfer(c.Request().Context(), req.IdentityID, req.Destination, amount, req.SourceType, req.SourceID)
	if err != nil {
		return err
	}

	status := http.StatusCreated
	if verdict.Kind == VerdictDenied {
		status = http.StatusForbidden
	}
	return c.JSON(status, transferResponse{Transfer: transfer.Summary(), Verdict: verdict})
}

func (s *APIServer) handleGetTransfer(c echo.Context) error {
	transfer, err := GetTransferRequest(s.db.WithContext(c.Request().Context()), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, transfer.Summary())
}

type cancelTransferRequest struct {
	Reason string `json:"reason"`
}

func (s *APIServer) handleCancelTransfer(c echo.Context) error {
	var req cancelTransferRequest
	if err := c.Bind(&req); err != nil {
		return APIErrorf("invalid request body")
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}

	transfer, err := s.executor.Cancel(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, transfer.Summary())
}

type recordApprovalRequest struct {
	IdentityID   string `json:"identity_id" validate:"required"`
	Destination  string `json:"destination" validate:"required"`
	Amount       string `json:"amount" validate:"required"`
	ApproverRole string `json:"approver_role" validate:"required"`
	ApproverID   string `json:"approver_id" validate:"required"`
	Attestation  string `json:"attestation"`
	Status       string `json:"status"`
}

func (s *APIServer) handleRecordApproval(c echo.Context) error {
	var req recordApprovalRequest
	if err := c.Bind(&req); err != nil {
		return APIErrorf("invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return APIErrorf("invalid request: %s", err.Error())
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		return err
	}

	status := ApprovalStatus(req.Status)
	if status == "" {
		status = ApprovalStatusApproved
	}

	ctx := c.Request().Context()
	assertion, err := s.approvals.RecordAssertion(ctx, req.IdentityID, amount, req.Destination, req.ApproverRole, req.ApproverID, req.Attestation, status)
	if err != nil {
		return err
	}

	if status == ApprovalStatusApproved {
		if err := s.executor.OnApprovalRecorded(ctx, req.IdentityID, amount, req.Destination); err != nil {
			s.logger.Error("failed to re-evaluate pending transfers", "identity", req.IdentityID, "error", err)
		}
	}

	return c.JSON(http.StatusCreated, assertion)
}

const adminHeader = "X-Vault-Admin"

type rotateKeyRequest struct {
	Reason string `json:"reason"`
}

func (s *APIServer) handleRotateKey(c echo.Context) error {
	var req rotateKeyRequest
	if err := c.Bind(&req); err != nil {
		return APIErrorf("invalid request body")
	}

	isAdmin := c.Request().Header.Get(adminHeader) == "true"
	result, err := s.vault.Rotate(c.Request().Context(), c.Param("identity"), req.Reason, isAdmin)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *APIServer) handleKeyHealth(c echo.Context) error {
	health, err := s.vault.CheckHealth(c.Request().Context(), c.Param("identity"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, health)
}

func (s *APIServer) handleKeyHistory(c echo.Context) error {
	history, err := s.vault.GetVersionHistory(c.Request().Context(), c.Param("identity"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, history)
}

func (s *APIServer) handleListEvents(c echo.Context) error {
	var identityID *string
	if v := c.QueryParam("identity_id"); v != "" {
		identityID = &v
	}
	var eventType *SecurityEventType
	if v := c.QueryParam("event_type"); v != "" {
		t := SecurityEventType(v)
		eventType = &t
	}

	options := &ListOptions{Sort: nil}
	if v := c.QueryParam("limit"); v != "" {
		if limit, err := strconv.ParseUint(v, 10, 32); err == nil {
			options.Limit = uint32(limit)
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if offset, err := strconv.ParseUint(v, 10, 32); err == nil {
			options.Offset = uint32(offset)
		}
	}
	if v := c.QueryParam("sort"); v == string(SortTypeAscending) || v == string(SortTypeDescending) {
		sort := SortType(v)
		options.Sort = &sort
	}

	events, err := s.audit.List(c.Request().Context(), identityID, eventType, options)
	if err != nil {
		return err
	}
	count, err := s.audit.Count(c.Request().Context(), identityID, eventType)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"events": events,
		"total":  count,
	})
}

func (s *APIServer) handleEventsWS(c echo.Context) error {
	return s.hub.ServeWS(c.Response(), c.Request())
}

func (s *APIServer) handleHealthz(c echo.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.PingContext(c.Request().Context()) != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
