package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/datapipe_backend/config"
	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/mmdatafocus/datapipe_backend/utils"
	"golang.org/x/time/rate"
)

type PageRequest struct {
	Cursor string
	Page   int
	Limit  int
	Since  *time.Time
}

// Page is one upstream response. Records keep the exact bytes received.
type Page struct {
	Records    []json.RawMessage
	NextCursor string
	HasMore    *bool
	Total      *int
}

// Exhausted reports whether nothing follows this page. An explicit has_more
// wins. A cursor-paged run ends when no next cursor comes back; a
// page-numbered run ends on a short page.
func (p Page) Exhausted(req PageRequest) bool {
	if len(p.Records) == 0 {
		return true
	}
	if p.HasMore != nil {
		return !*p.HasMore
	}
	if p.NextCursor != "" {
		return false
	}
	if req.Cursor != "" {
		return true
	}
	return req.Limit > 0 && len(p.Records) < req.Limit
}

type Fetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}

// FetcherFactory builds the fetcher for one source run.
type FetcherFactory func(ctx context.Context, src *models.IngestionSource) (Fetcher, error)

// NewHTTPFetcherFactory resolves credentials through resolver and returns rate-limited HTTP fetchers.
func NewHTTPFetcherFactory(resolver CredentialResolver) FetcherFactory {
	return func(ctx context.Context, src *models.IngestionSource) (Fetcher, error) {
		creds, err := resolver.Resolve(ctx, src)
		if err != nil {
			return nil, err
		}
		return newHTTPFetcher(src, creds, &http.Client{Timeout: config.IngestPageTimeout()})
	}
}

type httpFetcher struct {
	endpoint string
	dataPath string
	creds    Credentials
	http     *http.Client
	limiter  *rate.Limiter
}

func newHTTPFetcher(src *models.IngestionSource, creds Credentials, client *http.Client) (*httpFetcher, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(src.BaseURL), "/")
	if baseURL == "" {
		return nil, utils.ConfigurationMissing("base url for source %d", src.ID)
	}
	path := strings.TrimSpace(src.EndpointPath)
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	perMin := config.UpstreamRateLimitPerMin()
	return &httpFetcher{
		endpoint: baseURL + path,
		dataPath: strings.TrimSpace(src.DataPath),
		creds:    creds,
		http:     client,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 1),
	}, nil
}

type listEnvelope struct {
	Data       json.RawMessage `json:"data"`
	Items      json.RawMessage `json:"items"`
	NextCursor string          `json:"next_cursor"`
	HasMore    *bool           `json:"has_more"`
	Total      *int            `json:"total"`
}

func (f *httpFetcher) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return Page{}, fmt.Errorf("rate limiter: %w", err)
	}

	params := url.Values{}
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Cursor != "" {
		params.Set("cursor", req.Cursor)
	} else if req.Page > 1 {
		params.Set("page", strconv.Itoa(req.Page))
	}
	if req.Since != nil {
		params.Set("updated_since", req.Since.UTC().Format(time.RFC3339))
	}
	endpoint := f.endpoint
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = endpoint + sep + params.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Page{}, err
	}
	if f.creds.Secret != "" {
		httpReq.Header.Set(f.creds.Header, f.creds.Secret)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		return Page{}, &utils.TransientUpstreamError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, &utils.TransientUpstreamError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Page{}, &utils.TransientUpstreamError{
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, fmt.Errorf("upstream error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return parsePage(body, f.dataPath)
}

// parsePage accepts a bare JSON array or an object carrying the list under
// dataPath, "data" or "items".
func parsePage(body []byte, dataPath string) (Page, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Page{}, nil
	}
	if trimmed[0] == '[' {
		var records []json.RawMessage
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return Page{}, fmt.Errorf("decode page: %w", err)
		}
		return Page{Records: records}, nil
	}

	var env listEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Page{}, fmt.Errorf("decode page: %w", err)
	}
	list := env.Data
	if dataPath != "" {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return Page{}, fmt.Errorf("decode page: %w", err)
		}
		list = obj[dataPath]
	}
	if len(list) == 0 || string(list) == "null" {
		list = env.Items
	}

	page := Page{NextCursor: env.NextCursor, HasMore: env.HasMore, Total: env.Total}
	if len(list) == 0 || string(list) == "null" {
		return page, nil
	}
	if err := json.Unmarshal(list, &page.Records); err != nil {
		return Page{}, fmt.Errorf("decode records: %w", err)
	}
	return page, nil
}
