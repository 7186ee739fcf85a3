package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

// ProductsClient is the REST client for the public products endpoint.
type ProductsClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewProductsClient creates a products client.
//
// baseURL is the REST root, e.g. "https://api.exchange.coinbase.com".
func NewProductsClient(baseURL string) *ProductsClient {
	return &ProductsClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ListProducts returns every product the exchange lists.
func (c *ProductsClient) ListProducts(ctx context.Context) ([]Product, error) {
	body, err := c.doGet(ctx, "/products")
	if err != nil {
		return nil, fmt.Errorf("coinbase/rest: list products: %w", err)
	}

	var products []Product
	if err := json.Unmarshal(body, &products); err != nil {
		return nil, fmt.Errorf("coinbase/rest: decode products: %w", err)
	}
	return products, nil
}

// ListProductIDs returns the product identifiers sorted lexicographically.
func (c *ProductsClient) ListProductIDs(ctx context.Context) ([]string, error) {
	products, err := c.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(products))
	for _, p := range products {
		if p.ID != "" {
			ids = append(ids, p.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *ProductsClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "depthbook")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx responses to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
