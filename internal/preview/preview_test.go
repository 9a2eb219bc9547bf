package preview

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Open Graph parsing
// ---------------------------------------------------------------------------

func TestParseOpenGraph_FullTags(t *testing.T) {
	html := `<html><head>
		<meta property="og:title" content="Family Recipes"/>
		<meta property="og:description" content="Dinner ideas &amp; more"/>
		<meta property="og:site_name" content="RecipeBox"/>
		<meta property="og:image" content="https://example.com/cover.png"/>
		<title>fallback title</title>
	</head></html>`

	p := ParseOpenGraph(html, "https://example.com/recipes")

	if p.Title != "Family Recipes" {
		t.Errorf("title: got %q", p.Title)
	}
	if p.Description != "Dinner ideas & more" {
		t.Errorf("description: got %q", p.Description)
	}
	if p.SiteName != "RecipeBox" {
		t.Errorf("siteName: got %q", p.SiteName)
	}
	if p.Image != "https://example.com/cover.png" {
		t.Errorf("image: got %q", p.Image)
	}
	if p.URL != "https://example.com/recipes" {
		t.Errorf("url: got %q", p.URL)
	}
}

func TestParseOpenGraph_Fallbacks(t *testing.T) {
	html := `<html><head>
		<title>Plain Page</title>
		<meta name="description" content="a plain description">
	</head></html>`

	p := ParseOpenGraph(html, "https://example.org/page")

	if p.Title != "Plain Page" {
		t.Errorf("expected title fallback, got %q", p.Title)
	}
	if p.Description != "a plain description" {
		t.Errorf("expected meta description fallback, got %q", p.Description)
	}
	if p.SiteName != "example.org" {
		t.Errorf("expected hostname site name, got %q", p.SiteName)
	}
}

func TestParseOpenGraph_ReversedAttributeOrder(t *testing.T) {
	html := `<meta content="Reversed" property="og:title">`
	p := ParseOpenGraph(html, "https://example.com/")
	if p.Title != "Reversed" {
		t.Errorf("expected reversed attribute order to match, got %q", p.Title)
	}
}

func TestParseOpenGraph_RelativeImageResolved(t *testing.T) {
	html := `<meta property="og:image" content="/img/cover.jpg">`
	p := ParseOpenGraph(html, "https://example.com/articles/1")
	if p.Image != "https://example.com/img/cover.jpg" {
		t.Errorf("expected resolved image URL, got %q", p.Image)
	}
}

func TestParseOpenGraph_Truncation(t *testing.T) {
	html := `<meta property="og:title" content="` + strings.Repeat("t", 500) + `">`
	p := ParseOpenGraph(html, "https://example.com/")
	if len(p.Title) != maxTitleLen {
		t.Errorf("expected title capped at %d, got %d", maxTitleLen, len(p.Title))
	}
}

func TestDecodeEntities(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Tom &amp; Jerry", "Tom & Jerry"},
		{"&lt;b&gt;", "<b>"},
		{"it&#039;s &quot;fine&quot;", `it's "fine"`},
		{"&#8212; dash", "— dash"},
	}
	for _, tc := range cases {
		if got := decodeEntities(tc.in); got != tc.want {
			t.Errorf("decodeEntities(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Fetch
// ---------------------------------------------------------------------------

func TestFetch_HTMLPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<meta property="og:title" content="Served Page">`))
	}))
	defer srv.Close()

	s := NewService(nil)
	p := s.Fetch(context.Background(), srv.URL)
	if p.Title != "Served Page" {
		t.Errorf("expected fetched title, got %+v", p)
	}
}

func TestFetch_NonHTMLIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	s := NewService(nil)
	p := s.Fetch(context.Background(), srv.URL)
	if p != (Preview{}) {
		t.Errorf("expected empty preview for non-HTML, got %+v", p)
	}
}

func TestFetch_BadSchemeIsEmpty(t *testing.T) {
	s := NewService(nil)
	for _, raw := range []string{"ftp://example.com/x", "javascript:alert(1)", "not a url"} {
		if p := s.Fetch(context.Background(), raw); p != (Preview{}) {
			t.Errorf("expected empty preview for %q, got %+v", raw, p)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: HTTP handler
// ---------------------------------------------------------------------------

func TestHandler_AlwaysRespondsJSON(t *testing.T) {
	s := NewService(nil)
	handler := s.Handler(nil)

	cases := []string{"/preview", "/preview?url=ftp://x", "/preview?url=not-a-url"}
	for _, target := range cases {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", target, rec.Code)
		}
		var body map[string]interface{}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Errorf("%s: body is not JSON: %v", target, err)
		}
		if len(body) != 0 {
			t.Errorf("%s: expected empty object, got %v", target, body)
		}
	}
}

func TestHandler_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<meta property="og:title" content="Should Not Appear">`))
	}))
	defer srv.Close()

	s := NewService(nil)
	handler := s.Handler(func(ctx context.Context, remoteAddr string) bool { return false })

	req := httptest.NewRequest(http.MethodGet, "/preview?url="+url.QueryEscape(srv.URL), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "{}" {
		t.Errorf("throttled request should get an empty preview, got %q", got)
	}
}
