package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// EligibilityResult is the balance-ledger collaborator's pre-check verdict.
type EligibilityResult struct {
	Eligible bool            `json:"eligible"`
	Reason   string          `json:"reason,omitempty"`
	Balance  decimal.Decimal `json:"balance"`
}

// EligibilityChecker is the surrounding platform's balance-ledger pre-check.
// Authorization never proceeds without an eligible verdict.
type EligibilityChecker interface {
	CheckEligibility(ctx context.Context, identityID string, amount decimal.Decimal) (EligibilityResult, error)
}

// BalanceLedger is the collaborator that books the confirmed debit once a
// transfer settles. This core never does balance arithmetic itself.
type BalanceLedger interface {
	DebitConfirmed(ctx context.Context, identityID string, amount decimal.Decimal, reference string) error
}

const collaboratorTimeout = 10 * time.Second

// HTTPEligibilityChecker calls the platform's eligibility endpoint.
type HTTPEligibilityChecker struct {
	baseURL string
	client  *http.Client
}

func NewHTTPEligibilityChecker(baseURL string) *HTTPEligibilityChecker {
	return &HTTPEligibilityChecker{
		baseURL: baseURL,
		client:  &http.Client{Timeout: collaboratorTimeout},
	}
}

func (c *HTTPEligibilityChecker) CheckEligibility(ctx context.Context, identityID string, amount decimal.Decimal) (EligibilityResult, error) {
	payload, err := json.Marshal(map[string]string{
		"identity_id": identityID,
		"amount":      amount.String(),
	})
	if err != nil {
		return EligibilityResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/eligibility", bytes.NewReader(payload))
	if err != nil {
		return EligibilityResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return EligibilityResult{}, fmt.Errorf("eligibility check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return EligibilityResult{}, fmt.Errorf("eligibility check returned status %d", resp.StatusCode)
	}

	var result EligibilityResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return EligibilityResult{}, fmt.Errorf("failed to decode eligibility response: %w", err)
	}
	return result, nil
}

// HTTPBalanceLedger posts confirmed debits to the platform's ledger.
type HTTPBalanceLedger struct {
	baseURL string
	client  *http.Client
}

func NewHTTPBalanceLedger(baseURL string) *HTTPBalanceLedger {
	return &HTTPBalanceLedger{
		baseURL: baseURL,
		client:  &http.Client{Timeout: collaboratorTimeout},
	}
}

func (c *HTTPBalanceLedger) DebitConfirmed(ctx context.Context, identityID string, amount decimal.Decimal, reference string) error {
	payload, err := json.Marshal(map[string]string{
		"identity_id": identityID,
		"amount":      amount.String(),
		"reference":   reference,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/debits", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger debit failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("ledger debit returned status %d", resp.StatusCode)
	}
	return nil
}
