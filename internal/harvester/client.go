package harvester

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// SearchQuery carries the parameters of one paginated search call.
type SearchQuery struct {
	Seller       string
	Keyword      string
	StatusFilter string
	TypeFilter   string
	DateStart    time.Time
	DateEnd      time.Time
	Page         int
	PageSize     int
}

// SearchItem is one raw listing as returned by the search API.
type SearchItem struct {
	ItemID    string          `json:"item_id"`
	Title     string          `json:"title"`
	Price     int64           `json:"price"`
	Currency  string          `json:"currency"`
	Seller    string          `json:"seller"`
	Condition string          `json:"condition"`
	Category  string          `json:"category"`
	Status    string          `json:"status"`
	StartTime *time.Time      `json:"start_time"`
	EndTime   *time.Time      `json:"end_time"`
	Raw       json.RawMessage `json:"-"`
}

// SearchPage is one parsed page of search results.
type SearchPage struct {
	Items        []SearchItem
	TotalEntries int
	TotalPages   int
}

// SearchClient abstracts the external search API. Implementations issue
// exactly one HTTP call per Search invocation; pacing and quota accounting
// are the caller's responsibility.
type SearchClient interface {
	Search(ctx context.Context, q SearchQuery) (*SearchPage, error)
}

// searchEnvelope is the provider's response wrapper: a success flag with
// items and paging totals, or an error code and message.
type searchEnvelope struct {
	Success      bool              `json:"success"`
	TotalEntries int               `json:"total_entries"`
	TotalPages   int               `json:"total_pages"`
	Items        []json.RawMessage `json:"items"`
	Error        *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// HTTPSearchClient talks to a JSON search API at
// GET {base}/api/search with the query parameters documented in Search.
type HTTPSearchClient struct {
	baseURL   string
	apiKey    string
	userAgent string
	client    *http.Client
}

// NewHTTPSearchClient creates a client with the given request timeout.
// The timeout is the only in-flight deadline applied per call; the
// per-task budget is advisory.
func NewHTTPSearchClient(baseURL, apiKey string, timeout time.Duration) *HTTPSearchClient {
	return &HTTPSearchClient{
		baseURL:   baseURL,
		apiKey:    apiKey,
		userAgent: "listing-harvester/1.0",
		client:    &http.Client{Timeout: timeout},
	}
}

// Search issues one paginated search call and parses the envelope.
func (c *HTTPSearchClient) Search(ctx context.Context, q SearchQuery) (*SearchPage, error) {
	v := url.Values{}
	v.Set("seller", q.Seller)
	if q.Keyword != "" {
		v.Set("keyword", q.Keyword)
	}
	if q.StatusFilter != "" {
		v.Set("status", q.StatusFilter)
	}
	if q.TypeFilter != "" {
		v.Set("type", q.TypeFilter)
	}
	v.Set("date_start", q.DateStart.UTC().Format(time.RFC3339))
	v.Set("date_end", q.DateEnd.UTC().Format(time.RFC3339))
	v.Set("page", strconv.Itoa(q.Page))
	v.Set("per_page", strconv.Itoa(q.PageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/search?"+v.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Code:    strconv.Itoa(resp.StatusCode),
			Message: fmt.Sprintf("unexpected status %s", resp.Status),
		}
	}

	var env searchEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &APIError{Message: fmt.Sprintf("malformed response: %v", err)}
	}

	if !env.Success {
		apiErr := &APIError{Message: "provider reported failure"}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return nil, apiErr
	}

	page := &SearchPage{
		TotalEntries: env.TotalEntries,
		TotalPages:   env.TotalPages,
		Items:        make([]SearchItem, 0, len(env.Items)),
	}
	for _, raw := range env.Items {
		var item SearchItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, &APIError{Message: fmt.Sprintf("malformed item payload: %v", err)}
		}
		item.Raw = raw
		page.Items = append(page.Items, item)
	}

	return page, nil
}
