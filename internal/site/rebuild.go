package site

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// SitemapNamespace is the namespace every sitemap document element declares.
const SitemapNamespace = "http://www.sitemaps.org/schemas/sitemap/0.9"

// Aggregate file names, relative to the site root.
const (
	IndexFile   = "index.html"
	SitemapFile = "sitemap.xml"
	RobotsFile  = "robots.txt"
)

// Defaults for the index page.
const (
	DefaultIndexLimit    = 100
	DefaultSiteTitle     = "🚀 실시간 핫딜 쇼핑몰"
	DefaultFallbackTitle = "추천 상품"
)

// SiteStore lists, reads, and atomically replaces site files.
type SiteStore interface {
	List(dir, ext string) ([]string, error)
	Open(path string) (io.ReadCloser, error)
	Replace(ctx context.Context, path string, data io.Reader) (string, error)
}

// RebuilderConfig controls the aggregate files.
type RebuilderConfig struct {
	BaseURL       string
	PostsDir      string
	IndexLimit    int
	SiteTitle     string
	FallbackTitle string
}

// Rebuilder regenerates index.html, sitemap.xml, and robots.txt from every page
// currently on disk. Output depends only on the set of pages, so running it
// twice without new pages produces identical bytes.
type Rebuilder struct {
	store  SiteStore
	cfg    RebuilderConfig
	logger *zap.Logger
}

// Summary describes one rebuild.
type Summary struct {
	Posts   int
	Indexed int
	Files   []string
}

// NewRebuilder builds a Rebuilder.
func NewRebuilder(store SiteStore, cfg RebuilderConfig, logger *zap.Logger) (*Rebuilder, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PostsDir == "" {
		cfg.PostsDir = "posts"
	}
	if cfg.IndexLimit <= 0 {
		cfg.IndexLimit = DefaultIndexLimit
	}
	if cfg.SiteTitle == "" {
		cfg.SiteTitle = DefaultSiteTitle
	}
	if cfg.FallbackTitle == "" {
		cfg.FallbackTitle = DefaultFallbackTitle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rebuilder{store: store, cfg: cfg, logger: logger}, nil
}

// Rebuild lists all pages, newest file name first, and rewrites the three
// aggregate files. Each file is attempted even if an earlier one failed.
func (r *Rebuilder) Rebuild(ctx context.Context) (Summary, error) {
	names, err := r.store.List(r.cfg.PostsDir, Extension)
	if err != nil {
		return Summary{}, fmt.Errorf("list pages: %w", err)
	}

	summary := Summary{Posts: len(names)}
	outputs := []struct {
		path   string
		render func([]string) ([]byte, error)
	}{
		{IndexFile, r.renderIndex},
		{SitemapFile, r.renderSitemap},
		{RobotsFile, r.renderRobots},
	}

	var errs []error
	for _, out := range outputs {
		data, err := out.render(names)
		if err != nil {
			errs = append(errs, fmt.Errorf("render %s: %w", out.path, err))
			continue
		}
		if _, err := r.store.Replace(ctx, out.path, bytes.NewReader(data)); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", out.path, err))
			continue
		}
		summary.Files = append(summary.Files, out.path)
	}
	summary.Indexed = min(len(names), r.cfg.IndexLimit)
	return summary, errors.Join(errs...)
}

type indexEntry struct {
	Href  string
	Title string
}

func (r *Rebuilder) renderIndex(names []string) ([]byte, error) {
	limit := min(len(names), r.cfg.IndexLimit)
	entries := make([]indexEntry, 0, limit)
	for _, name := range names[:limit] {
		entries = append(entries, indexEntry{
			Href:  r.cfg.PostsDir + "/" + url.PathEscape(name),
			Title: r.title(name),
		})
	}
	var buf bytes.Buffer
	err := templates.ExecuteTemplate(&buf, "index.html.tmpl", struct {
		Title   string
		Entries []indexEntry
	}{Title: r.cfg.SiteTitle, Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("execute index template: %w", err)
	}
	return buf.Bytes(), nil
}

// title reads the product name back out of the page itself so the index never
// disagrees with what the page shows.
func (r *Rebuilder) title(name string) string {
	rc, err := r.store.Open(path.Join(r.cfg.PostsDir, name))
	if err != nil {
		r.logger.Warn("cannot open page for title", zap.String("page", name), zap.Error(err))
		return r.cfg.FallbackTitle
	}
	defer func() { _ = rc.Close() }()

	doc, err := goquery.NewDocumentFromReader(rc)
	if err != nil {
		r.logger.Warn("cannot parse page for title", zap.String("page", name), zap.Error(err))
		return r.cfg.FallbackTitle
	}
	if t := strings.TrimSpace(doc.Find("h1.product-name").First().Text()); t != "" {
		return t
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return r.cfg.FallbackTitle
}

type urlSet struct {
	XMLName xml.Name     `xml:"urlset"`
	Xmlns   string       `xml:"xmlns,attr"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc      string `xml:"loc"`
	LastMod  string `xml:"lastmod,omitempty"`
	Priority string `xml:"priority"`
}

func (r *Rebuilder) renderSitemap(names []string) ([]byte, error) {
	set := urlSet{Xmlns: SitemapNamespace}
	set.URLs = append(set.URLs, sitemapURL{Loc: r.cfg.BaseURL + "/", Priority: "1.0"})
	for _, name := range names {
		set.URLs = append(set.URLs, sitemapURL{
			Loc:      r.cfg.BaseURL + "/" + r.cfg.PostsDir + "/" + url.PathEscape(name),
			LastMod:  lastMod(name),
			Priority: "0.8",
		})
	}
	body, err := xml.MarshalIndent(set, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal sitemap: %w", err)
	}
	out := make([]byte, 0, len(xml.Header)+len(body)+1)
	out = append(out, xml.Header...)
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}

// lastMod derives the modification date from the file name's date prefix.
func lastMod(name string) string {
	if len(name) < len(DateLayout) {
		return ""
	}
	t, err := time.Parse(DateLayout, name[:len(DateLayout)])
	if err != nil {
		return ""
	}
	return t.Format(time.DateOnly)
}

func (r *Rebuilder) renderRobots([]string) ([]byte, error) {
	return []byte(fmt.Sprintf("User-agent: *\nAllow: /\nSitemap: %s/%s\n", r.cfg.BaseURL, SitemapFile)), nil
}
