package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/itchyny/gojq"

	"github.com/periscope-sec/periscope/internal/models"
	"github.com/periscope-sec/periscope/internal/normalize"
	"github.com/periscope-sec/periscope/internal/secrets"
)

// maxAPIResponseBytes bounds how much of an API response body is read.
const maxAPIResponseBytes = 8 << 20

// elementArrayKeys are the object keys probed for the element array when an
// API response root is an object rather than an array.
var elementArrayKeys = []string{"items", "data", "results", "entries", "articles"}

// compiledMapping holds the per-source compiled jq programs.
type compiledMapping struct {
	id          *gojq.Code
	title       *gojq.Code
	body        *gojq.Code
	publishedAt *gojq.Code
	cursor      *gojq.Code
}

// APIFetcher polls JSON APIs and maps response elements onto raw items via
// the source's declarative jq mapping. Auth material is resolved through the
// secrets provider, never stored on the source.
type APIFetcher struct {
	client  *http.Client
	secrets secrets.Provider

	mu       sync.Mutex
	compiled map[string]*compiledMapping
	now      func() time.Time
}

// NewAPIFetcher creates an API fetcher. A nil provider disables auth
// resolution; sources with auth_ref then fail fatally.
func NewAPIFetcher(client *http.Client, provider secrets.Provider) *APIFetcher {
	if client == nil {
		client = NewHTTPClient()
	}
	return &APIFetcher{
		client:   client,
		secrets:  provider,
		compiled: make(map[string]*compiledMapping),
		now:      time.Now,
	}
}

// Kind identifies the source kind this fetcher serves.
func (f *APIFetcher) Kind() models.SourceKind { return models.KindAPI }

// Fetch performs one authenticated request and maps the response.
func (f *APIFetcher) Fetch(ctx context.Context, src models.Source, wm models.Watermark) ([]models.RawItem, models.Watermark, Outcome) {
	items, _, next, out := f.fetchMapped(ctx, src, wm, "")
	return items, next, out
}

// fetchMapped is shared with the social fetcher; cursor is appended as a
// query parameter when non-empty, and the next cursor (if the mapping
// declares one) is returned alongside.
func (f *APIFetcher) fetchMapped(ctx context.Context, src models.Source, wm models.Watermark, cursor string) ([]models.RawItem, string, models.Watermark, Outcome) {
	cm, err := f.mapping(src)
	if err != nil {
		return nil, "", wm, Fatal("mapping: " + err.Error())
	}

	endpoint := src.Endpoint
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = endpoint + sep + "cursor=" + cursor
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", wm, Fatal("bad_endpoint: " + err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if src.AuthRef != "" {
		if f.secrets == nil {
			return nil, "", wm, Fatal("auth_ref set but no secrets provider")
		}
		token, err := f.secrets.Resolve(src.AuthRef)
		if err != nil {
			return nil, "", wm, Fatal("auth: " + err.Error())
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", wm, classifyError(ctx, err)
	}
	defer resp.Body.Close()

	if out := classifyResponse(resp); out.Status != StatusOK {
		return nil, "", wm, out
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, "", wm, classifyError(ctx, err)
	}
	var root any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, "", wm, Fatal("json_parse: " + err.Error())
	}

	fetchedAt := f.now()
	items := make([]models.RawItem, 0)
	for _, element := range elements(root) {
		item, ok := f.mapElement(cm, src, element, fetchedAt)
		if !ok {
			continue
		}
		items = append(items, item)
	}

	nextCursor := ""
	if cm.cursor != nil {
		nextCursor = evalString(cm.cursor, root)
	}
	return items, nextCursor, wm, OK()
}

func (f *APIFetcher) mapElement(cm *compiledMapping, src models.Source, element any, fetchedAt time.Time) (models.RawItem, bool) {
	title := evalString(cm.title, element)
	if title == "" {
		return models.RawItem{}, false
	}
	item := models.RawItem{
		SourceID:   src.ID,
		FetchedAt:  fetchedAt,
		ExternalID: evalString(cm.id, element),
		Title:      title,
		Body:       evalString(cm.body, element),
	}
	if cm.publishedAt != nil {
		if ts := evalString(cm.publishedAt, element); ts != "" {
			if t, ok := normalize.ParseTime(ts); ok {
				item.PublishedAt = &t
			}
		}
	}
	return item, true
}

// elements yields the response's item array: the root itself when it is an
// array, otherwise the first well-known array key of a root object, otherwise
// the root object as a single element.
func elements(root any) []any {
	switch v := root.(type) {
	case []any:
		return v
	case map[string]any:
		for _, key := range elementArrayKeys {
			if arr, ok := v[key].([]any); ok {
				return arr
			}
		}
		return []any{v}
	default:
		return nil
	}
}

func (f *APIFetcher) mapping(src models.Source) (*compiledMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cm, ok := f.compiled[src.ID]; ok {
		return cm, nil
	}
	if src.Mapping == nil {
		return nil, fmt.Errorf("source %s: no mapping", src.ID)
	}
	cm := &compiledMapping{}
	var err error
	if cm.id, err = compilePath(src.Mapping.ID); err != nil {
		return nil, fmt.Errorf("id path: %w", err)
	}
	if cm.title, err = compilePath(src.Mapping.Title); err != nil {
		return nil, fmt.Errorf("title path: %w", err)
	}
	if cm.body, err = compilePath(src.Mapping.Body); err != nil {
		return nil, fmt.Errorf("body path: %w", err)
	}
	if cm.publishedAt, err = compilePath(src.Mapping.PublishedAt); err != nil {
		return nil, fmt.Errorf("published_at path: %w", err)
	}
	if cm.cursor, err = compilePath(src.Mapping.Cursor); err != nil {
		return nil, fmt.Errorf("cursor path: %w", err)
	}
	f.compiled[src.ID] = cm
	return cm, nil
}

func compilePath(expr string) (*gojq.Code, error) {
	if expr == "" {
		return nil, nil
	}
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, err
	}
	return gojq.Compile(q)
}

// evalString runs the compiled program and renders the first non-null result
// as a string.
func evalString(code *gojq.Code, input any) string {
	if code == nil {
		return ""
	}
	iter := code.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			return ""
		}
		if _, isErr := v.(error); isErr || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			return s
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		case int:
			return strconv.Itoa(s)
		case bool:
			return strconv.FormatBool(s)
		default:
			return fmt.Sprintf("%v", s)
		}
	}
}
