// Package docintel integrates the external document-intelligence service
// that turns uploaded invoice documents into structured fields.
package docintel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// LineField is one extracted invoice line.
type LineField struct {
	Description    string `json:"description"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// Fields holds the structured values extracted from a document.
type Fields struct {
	InvoiceNumber string      `json:"invoice_number"`
	VendorName    string      `json:"vendor_name"`
	TotalCents    int64       `json:"total_cents"`
	Lines         []LineField `json:"lines"`
}

// Result is the extraction outcome with the service's confidence score.
type Result struct {
	Fields     Fields  `json:"fields"`
	Confidence float64 `json:"confidence"`
}

// Client requests field extraction for a stored document.
type Client interface {
	Extract(ctx context.Context, documentRef string) (Result, error)
}

// HTTPClient talks to the document-intelligence service over HTTP.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

// Extract posts the document reference and decodes the extraction result.
func (c *HTTPClient) Extract(ctx context.Context, documentRef string) (Result, error) {
	body, err := json.Marshal(map[string]string{"document_ref": documentRef})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("docintel: extract: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("docintel: extract returned %d", resp.StatusCode)
	}
	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("docintel: decode result: %w", err)
	}
	return result, nil
}
