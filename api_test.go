package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestAPI(t *testing.T) (*APIServer, *testHarness, func()) {
	t.Helper()

	h, cleanup := setupHarness(t)
	logger := NewLoggerIPFS("root.test")
	hub := NewEventHub(logger)
	server := NewAPIServer(h.db, h.executor, h.approvals, h.vault, h.audit, hub, logger)
	return server, h, cleanup
}

func doJSON(t *testing.T, server *APIServer, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	server.Echo().ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		var raw any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
		if m, ok := raw.(map[string]any); ok {
			decoded = m
		}
	}
	return rec, decoded
}

func TestAPICreateAndGetTransfer(t *testing.T) {
	server, h, cleanup := setupTestAPI(t)
	defer cleanup()

	rec, body := doJSON(t, server, http.MethodPost, "/v1/transfers", fmt.Sprintf(
		`{"identity_id":"alice","destination":"%s","amount":"100","source_type":"reward_payout","source_id":"api-1"}`,
		testDestination), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	verdict := body["verdict"].(map[string]any)
	assert.Equal(t, string(VerdictApproved), verdict["kind"])
	transfer := body["transfer"].(map[string]any)
	requestID := transfer["id"].(string)
	require.NotEmpty(t, requestID)

	waitForStatus(t, h.db, requestID, TransferStatusCompleted)

	rec, body = doJSON(t, server, http.MethodGet, "/v1/transfers/"+requestID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(TransferStatusCompleted), body["status"])
	assert.NotEmpty(t, body["tx_hash"])
}

func TestAPITransferValidation(t *testing.T) {
	server, _, cleanup := setupTestAPI(t)
	defer cleanup()

	// Missing fields.
	rec, _ := doJSON(t, server, http.MethodPost, "/v1/transfers", `{"identity_id":"alice"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed amount.
	rec, _ = doJSON(t, server, http.MethodPost, "/v1/transfers", fmt.Sprintf(
		`{"identity_id":"alice","destination":"%s","amount":"one hundred","source_type":"reward_payout","source_id":"api-2"}`,
		testDestination), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown transfer.
	rec, _ = doJSON(t, server, http.MethodGet, "/v1/transfers/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIDeniedTransfer(t *testing.T) {
	server, h, cleanup := setupTestAPI(t)
	defer cleanup()
	h.eligibility.set(false, "account_frozen")

	rec, body := doJSON(t, server, http.MethodPost, "/v1/transfers", fmt.Sprintf(
		`{"identity_id":"alice","destination":"%s","amount":"100","source_type":"reward_payout","source_id":"api-3"}`,
		testDestination), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	verdict := body["verdict"].(map[string]any)
	assert.Equal(t, string(VerdictDenied), verdict["kind"])
	assert.Equal(t, "account_frozen", verdict["reason"])
}

func TestAPIApprovalFlow(t *testing.T) {
	server, h, cleanup := setupTestAPI(t)
	defer cleanup()

	rec, body := doJSON(t, server, http.MethodPost, "/v1/transfers", fmt.Sprintf(
		`{"identity_id":"alice","destination":"%s","amount":"60000","source_type":"reward_payout","source_id":"api-4"}`,
		testDestination), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	transfer := body["transfer"].(map[string]any)
	requestID := transfer["id"].(string)
	assert.Equal(t, string(TransferStatusPendingApproval), transfer["status"])

	approve := func(role, approver string) *httptest.ResponseRecorder {
		rec, _ := doJSON(t, server, http.MethodPost, "/v1/approvals", fmt.Sprintf(
			`{"identity_id":"alice","destination":"%s","amount":"60000","approver_role":"%s","approver_id":"%s","attestation":"checked"}`,
			testDestination, role, approver), nil)
		return rec
	}

	require.Equal(t, http.StatusCreated, approve(RoleAdmin, "admin-1").Code)

	// Duplicate role conflicts.
	assert.Equal(t, http.StatusConflict, approve(RoleAdmin, "admin-2").Code)

	// Unknown role is a client error.
	rec, _ = doJSON(t, server, http.MethodPost, "/v1/approvals", fmt.Sprintf(
		`{"identity_id":"alice","destination":"%s","amount":"60000","approver_role":"intern","approver_id":"x","attestation":"y"}`,
		testDestination), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusCreated, approve(RoleSecurityOfficer, "sec-1").Code)

	waitForStatus(t, h.db, requestID, TransferStatusCompleted)
}

func TestAPICancelTransfer(t *testing.T) {
	server, _, cleanup := setupTestAPI(t)
	defer cleanup()

	rec, body := doJSON(t, server, http.MethodPost, "/v1/transfers", fmt.Sprintf(
		`{"identity_id":"alice","destination":"%s","amount":"60000","source_type":"reward_payout","source_id":"api-5"}`,
		testDestination), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	requestID := body["transfer"].(map[string]any)["id"].(string)

	rec, body = doJSON(t, server, http.MethodPost, "/v1/transfers/"+requestID+"/cancel",
		`{"reason":"fat finger"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(TransferStatusFailed), body["status"])
	assert.Equal(t, string(ErrClassCancelled), body["error_class"])

	// Cancelling again conflicts.
	rec, _ = doJSON(t, server, http.MethodPost, "/v1/transfers/"+requestID+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPIKeyEndpoints(t *testing.T) {
	server, _, cleanup := setupTestAPI(t)
	defer cleanup()

	rec, body := doJSON(t, server, http.MethodGet, "/v1/keys/alice/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, HealthHealthy, body["recommendation"])

	// Rotation without the admin header is forbidden.
	rec, _ = doJSON(t, server, http.MethodPost, "/v1/keys/alice/rotate", `{"reason":"drill"}`, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = doJSON(t, server, http.MethodPost, "/v1/keys/alice/rotate", `{"reason":"drill"}`,
		map[string]string{adminHeader: "true"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["new_version"])
	assert.NotEmpty(t, body["new_public_key"])

	rec, _ = doJSON(t, server, http.MethodGet, "/v1/keys/alice/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIAuditEvents(t *testing.T) {
	server, _, cleanup := setupTestAPI(t)
	defer cleanup()

	rec, _ := doJSON(t, server, http.MethodPost, "/v1/transfers", fmt.Sprintf(
		`{"identity_id":"alice","destination":"%s","amount":"100","source_type":"reward_payout","source_id":"api-6"}`,
		testDestination), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := doJSON(t, server, http.MethodGet, "/v1/audit/events?identity_id=alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := body["events"].([]any)
	assert.NotEmpty(t, events)
	assert.GreaterOrEqual(t, body["total"].(float64), float64(1))
}
