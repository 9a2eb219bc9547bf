// Package preview fetches Open Graph link previews for URLs pasted into
// chat. Results are cached in Redis so repeated pastes of the same link do
// not refetch the page. The HTTP surface never reports failure: a preview
// that cannot be built is an empty JSON object, and the client simply shows
// the bare link.
package preview

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fetchTimeout = 5 * time.Second
	maxRedirects = 4
	maxBodyBytes = 150_000
	cacheTTL     = time.Hour
	cachePrefix  = "preview:"

	maxTitleLen    = 200
	maxDescLen     = 300
	maxSiteNameLen = 100

	userAgent = "Mozilla/5.0 (compatible; HomeChat-Preview/1.0)"
)

// Preview is the Open Graph summary of a page. Empty fields are omitted;
// an all-empty Preview serializes to {}.
type Preview struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	SiteName    string `json:"siteName,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Service fetches and caches link previews.
type Service struct {
	cache  *redis.Client
	client *http.Client
}

// NewService builds a Service over the given Redis client. cache may be nil
// to disable caching. Certificate errors are tolerated so self-hosted pages
// with odd certs still preview.
func NewService(cache *redis.Client) *Service {
	return &Service{
		cache: cache,
		client: &http.Client{
			Timeout: fetchTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
	}
}

// Fetch returns the preview for rawURL, consulting the cache first. Only
// http and https URLs are fetched; anything else returns an empty preview.
func (s *Service) Fetch(ctx context.Context, rawURL string) Preview {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return Preview{}
	}

	if cached, ok := s.cacheGet(ctx, rawURL); ok {
		return cached
	}

	p, err := s.fetchPage(ctx, rawURL)
	if err != nil {
		log.Printf("preview: fetch %s: %v", rawURL, err)
		return Preview{}
	}

	s.cacheSet(ctx, rawURL, p)
	return p
}

// Handler returns the GET /preview handler. allow gates the request by the
// caller's remote address; pass nil to disable throttling. The response is
// always 200 with a JSON body.
func (s *Service) Handler(allow func(ctx context.Context, remoteAddr string) bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if allow != nil && !allow(r.Context(), remoteHost(r)) {
			w.Write([]byte("{}"))
			return
		}

		rawURL := r.URL.Query().Get("url")
		if rawURL == "" {
			w.Write([]byte("{}"))
			return
		}

		p := s.Fetch(r.Context(), rawURL)
		_ = json.NewEncoder(w).Encode(p)
	})
}

func (s *Service) cacheGet(ctx context.Context, rawURL string) (Preview, bool) {
	if s.cache == nil {
		return Preview{}, false
	}
	data, err := s.cache.Get(ctx, cachePrefix+rawURL).Bytes()
	if err != nil {
		return Preview{}, false
	}
	var p Preview
	if err := json.Unmarshal(data, &p); err != nil {
		return Preview{}, false
	}
	return p, true
}

func (s *Service) cacheSet(ctx context.Context, rawURL string, p Preview) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cachePrefix+rawURL, data, cacheTTL).Err(); err != nil {
		log.Printf("preview: cache set %s: %v", rawURL, err)
	}
}

// fetchPage downloads up to maxBodyBytes of the page and extracts its Open
// Graph tags. Non-HTML responses yield an empty preview without error.
func (s *Service) fetchPage(ctx context.Context, rawURL string) (Preview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Preview{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := s.client.Do(req)
	if err != nil {
		return Preview{}, err
	}
	defer resp.Body.Close()

	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return Preview{}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil && len(body) == 0 {
		return Preview{}, err
	}

	return ParseOpenGraph(string(body), rawURL), nil
}

// ParseOpenGraph extracts Open Graph metadata from html, falling back to
// the <title> element and the description meta tag where og: tags are
// missing. Relative og:image URLs are resolved against pageURL.
func ParseOpenGraph(html, pageURL string) Preview {
	title := metaProperty(html, "og:title")
	if title == "" {
		title = titleTag(html)
	}
	description := metaProperty(html, "og:description")
	if description == "" {
		description = metaName(html, "description")
	}
	siteName := metaProperty(html, "og:site_name")
	if siteName == "" {
		if u, err := url.Parse(pageURL); err == nil {
			siteName = u.Hostname()
		}
	}
	image := metaProperty(html, "og:image")
	if image != "" && !strings.HasPrefix(image, "http") {
		base, err := url.Parse(pageURL)
		if err != nil {
			image = ""
		} else if resolved, err := base.Parse(image); err == nil {
			image = resolved.String()
		} else {
			image = ""
		}
	}

	return Preview{
		Title:       truncate(strings.TrimSpace(title), maxTitleLen),
		Description: truncate(strings.TrimSpace(description), maxDescLen),
		Image:       image,
		SiteName:    truncate(siteName, maxSiteNameLen),
		URL:         pageURL,
	}
}

// metaProperty matches <meta property="..." content="..."> in either
// attribute order.
func metaProperty(html, prop string) string {
	return metaAttr(html, "property", prop)
}

// metaName matches <meta name="..." content="..."> in either attribute
// order.
func metaName(html, name string) string {
	return metaAttr(html, "name", name)
}

func metaAttr(html, attr, value string) string {
	quoted := regexp.QuoteMeta(value)
	forward := regexp.MustCompile(`(?i)<meta[^>]+` + attr + `=["']` + quoted + `["'][^>]+content=["']([^"']*)["']`)
	if m := forward.FindStringSubmatch(html); m != nil {
		return decodeEntities(m[1])
	}
	reverse := regexp.MustCompile(`(?i)<meta[^>]+content=["']([^"']*)["'][^>]+` + attr + `=["']` + quoted + `["']`)
	if m := reverse.FindStringSubmatch(html); m != nil {
		return decodeEntities(m[1])
	}
	return ""
}

var titlePattern = regexp.MustCompile(`(?i)<title[^>]*>([^<]+)</title>`)

func titleTag(html string) string {
	if m := titlePattern.FindStringSubmatch(html); m != nil {
		return decodeEntities(m[1])
	}
	return ""
}

var numericEntity = regexp.MustCompile(`&#(\d+);`)

// decodeEntities undoes the handful of HTML entities that commonly appear
// in meta content attributes.
func decodeEntities(s string) string {
	r := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#039;", "'",
		"&apos;", "'",
	)
	s = r.Replace(s)
	return numericEntity.ReplaceAllStringFunc(s, func(m string) string {
		n, err := strconv.Atoi(numericEntity.FindStringSubmatch(m)[1])
		if err != nil {
			return m
		}
		return string(rune(n))
	})
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// remoteHost strips the port from an http.Request remote address.
func remoteHost(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i != -1 {
		return addr[:i]
	}
	return addr
}
