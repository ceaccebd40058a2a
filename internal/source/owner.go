package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/internal/resilience"
)

// OwnerSourceName is the name of the owner-info extractor.
const OwnerSourceName = "owner"

var (
	labelledOwner = regexp.MustCompile(`\b(?i:owner|founder|co-founder|proprietor|president)\b\s*[:\-,]\s*([A-Z][a-zA-Z'\-]+(?:\s+[A-Z]\.)?(?:\s+[A-Z][a-zA-Z'\-]+){1,2})`)
	trailingOwner = regexp.MustCompile(`([A-Z][a-zA-Z'\-]+(?:\s+[A-Z]\.)?(?:\s+[A-Z][a-zA-Z'\-]+){1,2}),\s*(?i:owner|founder|co-founder|proprietor|president)\b`)
	aboutLink     = regexp.MustCompile(`(?i)about|team|our-story|who-we-are|leadership|meet`)
)

// Owner match confidences by evidence type.
const (
	confidenceStructured = 0.9
	confidenceLabelled   = 0.75
	confidenceTrailing   = 0.65
)

// WebOwnerSource extracts the owner name from a lead's own website by
// visiting its home page and linked about/team pages.
type WebOwnerSource struct {
	userAgent string
	timeout   time.Duration
	maxPages  int
	transport http.RoundTripper
}

// WebOwnerOption configures a WebOwnerSource.
type WebOwnerOption func(*WebOwnerSource)

// WithUserAgent sets the crawler user agent.
func WithUserAgent(ua string) WebOwnerOption {
	return func(s *WebOwnerSource) { s.userAgent = ua }
}

// WithPageTimeout sets the per-page request timeout.
func WithPageTimeout(d time.Duration) WebOwnerOption {
	return func(s *WebOwnerSource) { s.timeout = d }
}

// WithMaxPages caps the pages visited per lead, home page included.
func WithMaxPages(n int) WebOwnerOption {
	return func(s *WebOwnerSource) { s.maxPages = n }
}

// WithTransport sets the HTTP transport.
func WithTransport(rt http.RoundTripper) WebOwnerOption {
	return func(s *WebOwnerSource) { s.transport = rt }
}

// NewWebOwnerSource creates the colly-backed owner extractor.
func NewWebOwnerSource(opts ...WebOwnerOption) *WebOwnerSource {
	s := &WebOwnerSource{
		userAgent: "qualify-cli/1.0 (+owner-extractor)",
		timeout:   10 * time.Second,
		maxPages:  4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Source.
func (s *WebOwnerSource) Name() string { return OwnerSourceName }

type ownerCandidate struct {
	name       string
	confidence float64
}

// Fetch implements Source.
func (s *WebOwnerSource) Fetch(ctx context.Context, req Request) (*Response, error) {
	site := req.Fields[model.FieldWebsite]
	u, err := url.Parse(site)
	if site == "" || err != nil || u.Hostname() == "" {
		return nil, eris.Wrapf(resilience.ErrInsufficientInput, "owner: unusable website %q", site)
	}

	host := u.Hostname()
	domains := []string{host, "www." + strings.TrimPrefix(host, "www."), strings.TrimPrefix(host, "www.")}

	c := colly.NewCollector(
		colly.AllowedDomains(domains...),
		colly.MaxDepth(2),
		colly.StdlibContext(ctx),
	)
	c.UserAgent = s.userAgent
	c.SetRequestTimeout(s.timeout)
	if s.transport != nil {
		c.WithTransport(s.transport)
	}

	var (
		mu     sync.Mutex
		best   ownerCandidate
		pages  int
		status int
	)
	consider := func(name string, conf float64) {
		name = strings.Join(strings.Fields(name), " ")
		if name == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if conf > best.confidence {
			best = ownerCandidate{name: name, confidence: conf}
		}
	}

	c.OnRequest(func(r *colly.Request) {
		mu.Lock()
		defer mu.Unlock()
		if pages >= s.maxPages {
			r.Abort()
			return
		}
		pages++
	})

	c.OnHTML(`[itemprop="founder"]`, func(e *colly.HTMLElement) {
		name := e.ChildText(`[itemprop="name"]`)
		if name == "" {
			name = e.Text
		}
		consider(name, confidenceStructured)
	})

	c.OnHTML(`script[type="application/ld+json"]`, func(e *colly.HTMLElement) {
		if name := founderFromLDJSON([]byte(e.Text)); name != "" {
			consider(name, confidenceStructured)
		}
	})

	c.OnHTML("body", func(e *colly.HTMLElement) {
		for _, line := range strings.Split(e.DOM.Text(), "\n") {
			line = strings.Join(strings.Fields(line), " ")
			if m := labelledOwner.FindStringSubmatch(line); m != nil {
				consider(m[1], confidenceLabelled)
			} else if m := trailingOwner.FindStringSubmatch(line); m != nil {
				consider(m[1], confidenceTrailing)
			}
		}
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if e.Request.Depth > 1 {
			return
		}
		href := e.Attr("href")
		if aboutLink.MatchString(href) || aboutLink.MatchString(e.Text) {
			_ = e.Request.Visit(href)
		}
	})

	c.OnError(func(r *colly.Response, _ error) {
		if r.Request != nil && r.Request.Depth == 1 {
			status = r.StatusCode
		}
	})

	if err := c.Visit(u.String()); err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "owner: visit cancelled")
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "owner: visit %s", host), status)
		}
		return nil, eris.Wrapf(err, "owner: visit %s", host)
	}

	resp := &Response{Fields: map[string]any{}}
	if best.name != "" {
		conf := best.confidence
		resp.Fields[string(model.SignalOwnerName)] = best.name
		resp.Confidence = &conf
	}
	return resp, nil
}

// founderFromLDJSON finds a founder name in JSON-LD Organization markup.
func founderFromLDJSON(data []byte) string {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return ""
	}
	return findFounder(doc)
}

func findFounder(v any) string {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if name := findFounder(item); name != "" {
				return name
			}
		}
	case map[string]any:
		if f, ok := t["founder"]; ok {
			if name := personName(f); name != "" {
				return name
			}
		}
		if g, ok := t["@graph"]; ok {
			return findFounder(g)
		}
	}
	return ""
}

func personName(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		name, _ := t["name"].(string)
		return name
	case []any:
		if len(t) > 0 {
			return personName(t[0])
		}
	}
	return ""
}
