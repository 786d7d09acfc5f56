package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"

	"github.com/zombor/invoice-poster/internal/vendor"
)

var (
	// ErrRejected is returned when the ledger refuses a request with a 4xx status
	ErrRejected = errors.New("ledger rejected request")

	// ErrMissingNumber is returned when a successful response does not echo the document number
	ErrMissingNumber = errors.New("ledger response missing document number")

	// ErrUnavailable is returned when the ledger could not be reached after retries
	ErrUnavailable = errors.New("ledger unavailable")
)

// Endpoints names the ledger entity sets
type Endpoints struct {
	Vendors string
	History string
	Live    string
	Headers string
	Lines   string
}

// DefaultEndpoints returns the entity set names of the purchase ledger
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Vendors: "Fornecedores_Table",
		History: "Faturas_Compra_Regist",
		Live:    "Faturaca_Compra_Header",
		Headers: "Faturaca_Compra_Header",
		Lines:   "Linhas_Fatura_Compra",
	}
}

// Config holds ledger connection configuration
type Config struct {
	BaseURL   string
	User      string
	Key       string
	Timeout   time.Duration
	Endpoints Endpoints
	Retry     RetryPolicy
}

// Client talks to the OData purchase ledger
type Client struct {
	baseURL   string
	user      string
	key       string
	endpoints Endpoints
	retry     RetryPolicy
	client    *http.Client
	validate  *validator.Validate
}

// NewClient creates a new ledger client
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ledger base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	endpoints := DefaultEndpoints()
	if cfg.Endpoints.Vendors != "" {
		endpoints.Vendors = cfg.Endpoints.Vendors
	}
	if cfg.Endpoints.History != "" {
		endpoints.History = cfg.Endpoints.History
	}
	if cfg.Endpoints.Live != "" {
		endpoints.Live = cfg.Endpoints.Live
	}
	if cfg.Endpoints.Headers != "" {
		endpoints.Headers = cfg.Endpoints.Headers
	}
	if cfg.Endpoints.Lines != "" {
		endpoints.Lines = cfg.Endpoints.Lines
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		user:      cfg.User,
		key:       cfg.Key,
		endpoints: endpoints,
		retry:     cfg.Retry,
		client:    &http.Client{Timeout: cfg.Timeout},
		validate:  validator.New(),
	}, nil
}

// Vendors fetches the vendor registry
func (c *Client) Vendors(ctx context.Context) ([]vendor.Vendor, error) {
	var resp listResponse[vendor.Vendor]
	if err := c.get(ctx, c.endpoints.Vendors, &resp); err != nil {
		return nil, fmt.Errorf("fetching vendors: %w", err)
	}
	slog.Info("Retrieved vendors", "count", len(resp.Value))
	return resp.Value, nil
}

// History returns the registry of posted (historical) invoices
func (c *Client) History() *RegistrySource {
	return &RegistrySource{client: c, name: "history", endpoint: c.endpoints.History}
}

// Live returns the registry of unposted purchase headers
func (c *Client) Live() *RegistrySource {
	return &RegistrySource{client: c, name: "live", endpoint: c.endpoints.Live}
}

// PostHeader creates an invoice header and returns the document number the
// ledger assigned to it.
func (c *Client) PostHeader(ctx context.Context, h Header) (string, error) {
	if err := c.validate.Struct(h); err != nil {
		return "", fmt.Errorf("%w: invalid header: %v", ErrRejected, err)
	}

	var resp headerResponse
	if err := c.post(ctx, c.endpoints.Headers, h, &resp); err != nil {
		return "", fmt.Errorf("posting header %s: %w", h.No, err)
	}
	if strings.TrimSpace(resp.No) == "" {
		return "", fmt.Errorf("posting header %s: %w", h.No, ErrMissingNumber)
	}
	if resp.No != h.No {
		slog.Warn("Ledger assigned a different document number", "requested", h.No, "assigned", resp.No)
	}
	return resp.No, nil
}

// PostLine creates one invoice line. The response must echo the document number.
func (c *Client) PostLine(ctx context.Context, l Line) error {
	if err := c.validate.Struct(l); err != nil {
		return fmt.Errorf("%w: invalid line: %v", ErrRejected, err)
	}

	var resp lineResponse
	if err := c.post(ctx, c.endpoints.Lines, l, &resp); err != nil {
		return fmt.Errorf("posting line %s/%d: %w", l.DocumentNo, l.LineNo, err)
	}
	if resp.DocumentNo != l.DocumentNo {
		return fmt.Errorf("posting line %s/%d: %w", l.DocumentNo, l.LineNo, ErrMissingNumber)
	}
	return nil
}

// RegistrySource reads vendor invoice numbers from one ledger entity set
type RegistrySource struct {
	client   *Client
	name     string
	endpoint string
}

// InvoiceNumbers returns the Vendor_Invoice_No of every entry
func (r *RegistrySource) InvoiceNumbers(ctx context.Context) ([]string, error) {
	var resp listResponse[invoiceNumberEntry]
	if err := r.client.get(ctx, r.endpoint, &resp); err != nil {
		return nil, fmt.Errorf("fetching %s invoices: %w", r.name, err)
	}

	numbers := make([]string, 0, len(resp.Value))
	for _, e := range resp.Value {
		numbers = append(numbers, e.VendorInvoiceNo)
	}
	slog.Info("Retrieved registered invoices", "registry", r.name, "count", len(numbers))
	return numbers, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	return c.do(ctx, http.MethodGet, endpoint, nil, out)
}

func (c *Client) post(ctx context.Context, endpoint string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	return c.do(ctx, http.MethodPost, endpoint, jsonData, out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	url := fmt.Sprintf("%s/%s", c.baseURL, endpoint)

	return c.retry.Do(ctx, method+" "+endpoint, func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.user != "" {
			req.SetBasicAuth(c.user, c.key)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, detail(respBody))
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, detail(respBody)))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("%w: unexpected status %d", ErrRejected, resp.StatusCode))
		}

		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding response: %w", err))
		}
		return nil
	})
}

// detail extracts the OData error message when present
func detail(body []byte) string {
	var odata struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &odata); err == nil && odata.Error.Message != "" {
		return odata.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
