package corevosync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

var ErrSourceNotFound = errors.New("corevo record not found")

type corevoClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
	pageSize  int
}

func newCorevoClient(apiKey string) (*corevoClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("COREVO_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.corevo.io/v1"
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("COREVO_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("corevo api key is empty")
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("COREVO_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	pageSize := 100
	if v := strings.TrimSpace(os.Getenv("COREVO_PAGE_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &corevoClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
		pageSize:  pageSize,
	}, nil
}

type corevoListResponse struct {
	Results   []json.RawMessage `json:"results"`
	Remaining int               `json:"remaining"`
	Cursor    string            `json:"cursor"`
}

func (c *corevoClient) do(ctx context.Context, method, path string, params url.Values, body []byte) ([]byte, int, error) {
	<-c.limiter
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	return out, resp.StatusCode, nil
}

// fetchPage issues one list request. Constraints only apply to exact
// record fields; the API has no modification-timestamp filter, so any
// time-windowed sync has to scan the full collection and filter locally.
func (c *corevoClient) fetchPage(ctx context.Context, class string, cursor string, constraints url.Values) (corevoListResponse, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	for k, vs := range constraints {
		for _, v := range vs {
			params.Add(k, v)
		}
	}

	body, status, err := c.do(ctx, http.MethodGet, "/"+class, params, nil)
	if err != nil {
		return corevoListResponse{}, err
	}
	if status < 200 || status >= 300 {
		return corevoListResponse{}, fmt.Errorf("corevo api error %d: %s", status, strings.TrimSpace(string(body)))
	}

	var parsed corevoListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return corevoListResponse{}, err
	}
	return parsed, nil
}

// fetchAll walks the whole collection. The loop stops when the server
// reports zero remaining records or returns an empty page, whichever
// comes first.
func (c *corevoClient) fetchAll(ctx context.Context, class string, constraints url.Values) ([]json.RawMessage, error) {
	var records []json.RawMessage
	cursor := ""
	offset := 0
	for {
		page, err := c.fetchPage(ctx, class, cursor, constraints)
		if err != nil {
			return records, err
		}
		records = append(records, page.Results...)
		if page.Remaining <= 0 || len(page.Results) == 0 {
			return records, nil
		}
		if page.Cursor != "" {
			cursor = page.Cursor
		} else {
			offset += len(page.Results)
			cursor = strconv.Itoa(offset)
		}
	}
}

func (c *corevoClient) fetchOne(ctx context.Context, class string, id string) (json.RawMessage, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/"+class+"/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrSourceNotFound
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("corevo api error %d: %s", status, strings.TrimSpace(string(body)))
	}
	return json.RawMessage(body), nil
}

// patchRecord pushes locally-newer field values back to the source.
func (c *corevoClient) patchRecord(ctx context.Context, class string, id string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	out, status, err := c.do(ctx, http.MethodPatch, "/"+class+"/"+url.PathEscape(id), nil, body)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return ErrSourceNotFound
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("corevo api error %d: %s", status, strings.TrimSpace(string(out)))
	}
	return nil
}
