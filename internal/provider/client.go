package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/condoledger/backend/internal/config"
	"github.com/condoledger/backend/internal/models"
)

// ErrTransactionNotFound is returned when the provider has no record of the
// requested transaction or payment link.
var ErrTransactionNotFound = errors.New("transaction not found at provider")

// Client talks to the payment provider's REST API. It is only used on the
// reconciliation path; the webhook path never calls out.
type Client struct {
	httpClient      *http.Client
	baseURL         string
	checkoutBaseURL string
	apiKey          string
	publicKey       string
	redirectURL     string
}

func NewClient(cfg *config.BillingConfig) *Client {
	return &Client{
		httpClient:      &http.Client{Timeout: cfg.ProviderTimeout},
		baseURL:         cfg.ProviderBaseURL,
		checkoutBaseURL: cfg.CheckoutBaseURL,
		apiKey:          cfg.ProviderAPIKey,
		publicKey:       cfg.ProviderPublicKey,
		redirectURL:     cfg.RedirectURL,
	}
}

// GetTransaction fetches the authoritative state of a transaction,
// bypassing webhook delivery entirely.
func (c *Client) GetTransaction(ctx context.Context, transactionID string) (*models.ProviderTransaction, error) {
	var result struct {
		Data models.ProviderTransaction `json:"data"`
	}
	if err := c.get(ctx, "/transactions/"+url.PathEscape(transactionID), &result); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

// PaymentLink is the provider's hosted-link object. Reference carries the
// checkout reference the link was created with.
type PaymentLink struct {
	ID        string `json:"id"`
	Reference string `json:"sku"`
	Name      string `json:"name"`
}

// GetPaymentLink recovers the original checkout reference when a
// transaction only carries a payment-link id.
func (c *Client) GetPaymentLink(ctx context.Context, linkID string) (*PaymentLink, error) {
	var result struct {
		Data PaymentLink `json:"data"`
	}
	if err := c.get(ctx, "/payment_links/"+url.PathEscape(linkID), &result); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

// CheckoutURL builds the hosted payment page URL for a reference. The user
// pays out-of-band; the result comes back on the webhook.
func (c *Client) CheckoutURL(reference string, amountMinor int64, currency string) string {
	params := url.Values{}
	params.Set("public-key", c.publicKey)
	params.Set("currency", currency)
	params.Set("amount-in-cents", strconv.FormatInt(amountMinor, 10))
	params.Set("reference", reference)
	if c.redirectURL != "" {
		params.Set("redirect-url", c.redirectURL)
	}
	return c.checkoutBaseURL + "/?" + params.Encode()
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[PROVIDER] Request failed for %s: %v", path, err)
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrTransactionNotFound
	case resp.StatusCode != http.StatusOK:
		log.Printf("[PROVIDER] Non-OK status %d for %s", resp.StatusCode, path)
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
