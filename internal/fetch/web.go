package fetch

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"

	"github.com/periscope-sec/periscope/internal/models"
)

// Extraction strategy names accepted in source config.
const (
	StrategyReadability = "readability"
	StrategyStructural  = "structural"
	StrategyRendered    = "rendered"
)

// defaultWebStrategies is the cascade used when a source does not order its
// own: content-oriented extraction first, generic structural scrape second.
var defaultWebStrategies = []string{StrategyReadability, StrategyStructural}

// WebFetcher scrapes a single page per source through an ordered cascade of
// extraction strategies. The first strategy yielding a non-empty body wins;
// if all fail the fetch is fatal for this cycle (the page may work later,
// but retrying within the cycle would only re-run the same parse).
type WebFetcher struct {
	client *http.Client
	// rendererEndpoint is the optional headless-render service; when empty
	// the "rendered" strategy is unavailable.
	rendererEndpoint string
	now              func() time.Time
}

// NewWebFetcher creates a web fetcher over the shared HTTP client.
// rendererEndpoint may be empty.
func NewWebFetcher(client *http.Client, rendererEndpoint string) *WebFetcher {
	if client == nil {
		client = NewHTTPClient()
	}
	return &WebFetcher{client: client, rendererEndpoint: rendererEndpoint, now: time.Now}
}

// Kind identifies the source kind this fetcher serves.
func (f *WebFetcher) Kind() models.SourceKind { return models.KindWeb }

// Fetch retrieves the page and runs the extraction cascade.
func (f *WebFetcher) Fetch(ctx context.Context, src models.Source, wm models.Watermark) ([]models.RawItem, models.Watermark, Outcome) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Endpoint, nil)
	if err != nil {
		return nil, wm, Fatal("bad_endpoint: " + err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html, application/xhtml+xml")
	if wm.ETag != "" {
		req.Header.Set("If-None-Match", wm.ETag)
	}
	if wm.LastModified != "" {
		req.Header.Set("If-Modified-Since", wm.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, wm, classifyError(ctx, err)
	}
	defer resp.Body.Close()

	if out := classifyResponse(resp); out.Status != StatusOK {
		return nil, wm, out
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, wm, Fatal("html_parse: " + err.Error())
	}

	next := wm
	if etag := resp.Header.Get("ETag"); etag != "" {
		next.ETag = etag
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		next.LastModified = lm
	}

	strategies := src.WebStrategies
	if len(strategies) == 0 {
		strategies = defaultWebStrategies
	}
	for _, name := range strategies {
		title, body, ok := f.extract(ctx, name, doc, src.Endpoint)
		if !ok {
			log.Debug().Str("source", src.ID).Str("strategy", name).Msg("Extraction strategy yielded nothing, trying next")
			continue
		}
		item := models.RawItem{
			SourceID:  src.ID,
			FetchedAt: f.now(),
			Title:     title,
			Body:      body,
			URL:       src.Endpoint,
			Extras:    map[string]string{"strategy": name},
		}
		return []models.RawItem{item}, next, OK()
	}
	return nil, next, Fatal("extraction_exhausted")
}

func (f *WebFetcher) extract(ctx context.Context, strategy string, doc *html.Node, pageURL string) (title, body string, ok bool) {
	switch strategy {
	case StrategyReadability:
		return extractReadable(doc)
	case StrategyStructural:
		return extractStructural(doc)
	case StrategyRendered:
		return f.extractRendered(ctx, pageURL)
	default:
		return "", "", false
	}
}

// extractRendered asks the headless-render service for post-JS HTML and runs
// the readable extraction over the result. Pages that only populate their
// content from script need this; it is the most expensive strategy and sits
// last in any cascade that enables it.
func (f *WebFetcher) extractRendered(ctx context.Context, pageURL string) (string, string, bool) {
	if f.rendererEndpoint == "" {
		return "", "", false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.rendererEndpoint+"?url="+url.QueryEscape(pageURL), nil)
	if err != nil {
		return "", "", false
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", false
	}
	doc, err := html.Parse(resp.Body)
	if err != nil {
		return "", "", false
	}
	return extractReadable(doc)
}

// extractReadable targets the page's main content container: <article>, then
// <main>, then the densest <div>.
func extractReadable(doc *html.Node) (string, string, bool) {
	title := nodeText(findFirst(doc, "h1"))
	if title == "" {
		title = nodeText(findFirst(doc, "title"))
	}

	container := findFirst(doc, "article")
	if container == nil {
		container = findFirst(doc, "main")
	}
	if container == nil {
		container = densestDiv(doc)
	}
	if container == nil {
		return "", "", false
	}
	body := nodeText(container)
	if strings.TrimSpace(body) == "" {
		return "", "", false
	}
	return title, body, true
}

// extractStructural takes the document title and every paragraph, the
// lowest-fidelity fallback.
func extractStructural(doc *html.Node) (string, string, bool) {
	title := nodeText(findFirst(doc, "title"))
	var paragraphs []string
	walk(doc, func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "p" {
			if text := strings.TrimSpace(nodeText(n)); text != "" {
				paragraphs = append(paragraphs, text)
			}
		}
	})
	if len(paragraphs) == 0 {
		return "", "", false
	}
	return title, strings.Join(paragraphs, "\n\n"), true
}

func walk(n *html.Node, visit func(*html.Node)) {
	visit(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

func findFirst(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func densestDiv(doc *html.Node) *html.Node {
	var best *html.Node
	bestLen := 0
	walk(doc, func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "div" {
			if l := len(nodeText(n)); l > bestLen {
				best, bestLen = n, l
			}
		}
	})
	return best
}

// nodeText collects the visible text under n, skipping script and style.
func nodeText(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
