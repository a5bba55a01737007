/**
 * @description
 * This package provides a client for communicating with the wallet service.
 * It encapsulates the API calls the donation-service needs for settlement:
 * wallet lookup/creation, atomic wallet-to-wallet transfers, and credit-only
 * fund additions for provider-captured payments.
 *
 * @notes
 * - Every wallet operation is atomic on the wallet service side: it either
 *   fully applies and returns the resulting transaction, or fails cleanly.
 * - Insufficient-funds and not-found responses are mapped to sentinel errors
 *   so callers can distinguish them from transient failures; anything else is
 *   treated as retryable by the reconciliation pipeline.
 */

package walletclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInsufficientFunds = errors.New("insufficient wallet funds")
	ErrWalletNotFound    = errors.New("wallet not found")
)

// Wallet is the wallet service's view of one user's balance in one currency.
type Wallet struct {
	ID       uuid.UUID `json:"id"`
	UserID   uuid.UUID `json:"user_id"`
	Currency string    `json:"currency"`
	Balance  int64     `json:"balance"` // in minor units
}

// Transaction represents one completed fund movement on the wallet service.
type Transaction struct {
	ID          uuid.UUID `json:"id"`
	Reference   string    `json:"reference"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateWalletOptions controls wallet provisioning.
type CreateWalletOptions struct {
	Currency string `json:"currency"`
}

// AddFundsRequest is the payload for a credit-only fund addition.
type AddFundsRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// Service is the interface consumed by the settlement executor. The HTTP
// client below implements it; tests substitute stubs.
type Service interface {
	GetWallet(ctx context.Context, userID uuid.UUID, currency string) (*Wallet, error)
	CreateWallet(ctx context.Context, userID uuid.UUID, opts CreateWalletOptions) (*Wallet, error)
	TransferFunds(ctx context.Context, fromWallet uuid.UUID, toUser uuid.UUID, amount int64, memo string) (*Transaction, error)
	AddFunds(ctx context.Context, walletID uuid.UUID, req AddFundsRequest) (*Transaction, error)
}

// Client is an HTTP client for the wallet service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new wallet service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("wallet service base url is empty")
	}

	var body *bytes.Buffer
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(encoded)
	} else {
		body = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to wallet service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		switch {
		case resp.StatusCode == http.StatusNotFound || errResp.Code == "wallet_not_found":
			return ErrWalletNotFound
		case resp.StatusCode == http.StatusUnprocessableEntity || errResp.Code == "insufficient_funds":
			return ErrInsufficientFunds
		default:
			return fmt.Errorf("wallet service returned status %d: %s", resp.StatusCode, errResp.Message)
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// GetWallet fetches a user's wallet for the given currency.
func (c *Client) GetWallet(ctx context.Context, userID uuid.UUID, currency string) (*Wallet, error) {
	var wallet Wallet
	path := fmt.Sprintf("/internal/wallets/%s?currency=%s", userID, strings.ToUpper(currency))
	if err := c.do(ctx, http.MethodGet, path, nil, &wallet); err != nil {
		return nil, err
	}
	return &wallet, nil
}

// CreateWallet provisions a wallet for a user.
func (c *Client) CreateWallet(ctx context.Context, userID uuid.UUID, opts CreateWalletOptions) (*Wallet, error) {
	var wallet Wallet
	path := fmt.Sprintf("/internal/wallets/%s", userID)
	if err := c.do(ctx, http.MethodPost, path, opts, &wallet); err != nil {
		return nil, err
	}
	return &wallet, nil
}

// TransferFunds moves funds between a wallet and a user atomically.
func (c *Client) TransferFunds(ctx context.Context, fromWallet uuid.UUID, toUser uuid.UUID, amount int64, memo string) (*Transaction, error) {
	payload := struct {
		ToUserID uuid.UUID `json:"to_user_id"`
		Amount   int64     `json:"amount"`
		Memo     string    `json:"memo"`
	}{ToUserID: toUser, Amount: amount, Memo: memo}

	var tx Transaction
	path := fmt.Sprintf("/internal/wallets/%s/transfers", fromWallet)
	if err := c.do(ctx, http.MethodPost, path, payload, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// AddFunds credits a wallet without a corresponding debit (provider-captured funds).
func (c *Client) AddFunds(ctx context.Context, walletID uuid.UUID, req AddFundsRequest) (*Transaction, error) {
	var tx Transaction
	path := fmt.Sprintf("/internal/wallets/%s/credits", walletID)
	if err := c.do(ctx, http.MethodPost, path, req, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}
