package site

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dealshuttle/internal/enrich"
	"github.com/JakeFAU/dealshuttle/internal/product"
	"github.com/JakeFAU/dealshuttle/internal/storage/local"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newStore(t *testing.T) (*local.BlobStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	return store, dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

var widget = product.Record{
	ID:        "7788",
	Name:      `Widget <script>alert("x")</script> & Co`,
	ImageURL:  "https://img.example/a.png?token=abc123",
	Price:     1234567,
	DetailURL: "https://link.coupang.com/re/AFFSDP?lptag=AF123&pageKey=7788",
}

func TestWriterRendersMandatoryFields(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	clk := fixedClock{now: time.Date(2024, 5, 6, 23, 0, 0, 0, time.UTC)}
	w, err := NewWriter(store, clk, WriterConfig{})
	require.NoError(t, err)

	rel, err := w.Write(context.Background(), widget, enrich.Content{Paragraphs: []string{"첫 문단 <b>", "둘째"}})
	require.NoError(t, err)
	assert.Equal(t, "posts/20240506_7788.html", rel)

	page := readFile(t, filepath.Join(dir, rel))
	assert.NotContains(t, page, "<script>")
	assert.Contains(t, page, "Widget &lt;script&gt;")
	assert.Contains(t, page, `src="https://img.example/a.png"`)
	assert.NotContains(t, page, "token=abc123")
	assert.Contains(t, page, "1,234,567원")
	assert.Contains(t, page, "<p>첫 문단 &lt;b&gt;</p>")
	assert.Contains(t, page, "<p>둘째</p>")
	assert.Contains(t, page, "https://link.coupang.com/re/AFFSDP?lptag=AF123&amp;pageKey=7788")
	assert.Contains(t, page, DefaultDisclosure)
}

func TestWriterIsWriteOnce(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	w, err := NewWriter(store, fixedClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}, WriterConfig{Disclosure: "disclosed"})
	require.NoError(t, err)
	ctx := context.Background()

	rel, err := w.Write(ctx, widget, enrich.Content{Paragraphs: []string{"original"}})
	require.NoError(t, err)

	_, err = w.Write(ctx, widget, enrich.Content{Paragraphs: []string{"replacement"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExists))

	page := readFile(t, filepath.Join(dir, rel))
	assert.Contains(t, page, "original")
	assert.NotContains(t, page, "replacement")
	assert.Contains(t, page, "disclosed")
}

func TestWriterRejectsUnsafeIDs(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	w, err := NewWriter(store, fixedClock{now: time.Now()}, WriterConfig{})
	require.NoError(t, err)

	for _, id := range []string{"", "a_b", "../x", "1/2", "1.2"} {
		rec := widget
		rec.ID = id
		_, err := w.Write(context.Background(), rec, enrich.Content{})
		assert.ErrorIs(t, err, ErrInvalidID, id)
		assert.False(t, ValidID(id), id)
	}
	assert.True(t, ValidID("7788"))
	assert.True(t, ValidID("A-12"))
}

func TestWriterFillsEmptyContentWithFallback(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	w, err := NewWriter(store, fixedClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}, WriterConfig{})
	require.NoError(t, err)

	rec := product.Record{ID: "1", Name: "Gadget", Price: 5000}
	rel, err := w.Write(context.Background(), rec, enrich.Content{})
	require.NoError(t, err)
	page := readFile(t, filepath.Join(dir, rel))
	assert.Contains(t, page, "Gadget은(는)")
	assert.Contains(t, page, "5,000원입니다")
	assert.NotContains(t, page, "<img")
}

func seedPages(t *testing.T, store *local.BlobStore, pages map[string]product.Record) {
	t.Helper()
	for date, rec := range pages {
		ts, err := time.Parse(DateLayout, date)
		require.NoError(t, err)
		w, err := NewWriter(store, fixedClock{now: ts}, WriterConfig{})
		require.NoError(t, err)
		_, err = w.Write(context.Background(), rec, enrich.Content{Paragraphs: []string{"p"}})
		require.NoError(t, err)
	}
}

func newRebuilder(t *testing.T, store SiteStore, limit int) *Rebuilder {
	t.Helper()
	r, err := NewRebuilder(store, RebuilderConfig{BaseURL: "https://deals.example/shop/", IndexLimit: limit}, nil)
	require.NoError(t, err)
	return r
}

func TestRebuildIndexOrderingAndTitles(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	seedPages(t, store, map[string]product.Record{
		"20240101": {ID: "1", Name: "Oldest & Best", Price: 1},
		"20240301": {ID: "3", Name: "Newest", Price: 3},
		"20240201": {ID: "2", Name: "Middle", Price: 2},
	})

	summary, err := newRebuilder(t, store, 2).Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Posts)
	assert.Equal(t, 2, summary.Indexed)
	assert.Equal(t, []string{IndexFile, SitemapFile, RobotsFile}, summary.Files)

	index := readFile(t, filepath.Join(dir, IndexFile))
	newest := strings.Index(index, "posts/20240301_3.html")
	middle := strings.Index(index, "posts/20240201_2.html")
	require.NotEqual(t, -1, newest)
	require.NotEqual(t, -1, middle)
	assert.Less(t, newest, middle)
	assert.Contains(t, index, "<div>Newest</div>")
	assert.NotContains(t, index, "20240101_1.html", "index is truncated to the limit")
}

func TestRebuildTitleComesFromPage(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	// A hand-written page whose title differs from anything the provider said.
	_, err := store.Create(context.Background(), "posts/20240101_42.html",
		strings.NewReader("<html><head><title>Edited &amp; kept</title></head><body></body></html>"))
	require.NoError(t, err)
	_, err = store.Create(context.Background(), "posts/20240102_43.html", strings.NewReader("no markup at all"))
	require.NoError(t, err)

	_, err = newRebuilder(t, store, 0).Rebuild(context.Background())
	require.NoError(t, err)

	index := readFile(t, filepath.Join(dir, IndexFile))
	assert.Contains(t, index, "<div>Edited &amp; kept</div>")
	assert.Contains(t, index, "<div>"+DefaultFallbackTitle+"</div>")
}

func TestRebuildSitemapWellFormed(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	seedPages(t, store, map[string]product.Record{
		"20240101": {ID: "7788", Name: "Widget", Price: 9900},
		"20240102": {ID: "9900", Name: "Gadget", Price: 5000},
	})
	_, err := store.Create(context.Background(), "posts/20231231_삼성_노트북_55.html", strings.NewReader("<title>legacy</title>"))
	require.NoError(t, err)

	_, err = newRebuilder(t, store, 0).Rebuild(context.Background())
	require.NoError(t, err)

	raw := readFile(t, filepath.Join(dir, SitemapFile))
	require.True(t, strings.HasPrefix(raw, `<?xml version="1.0" encoding="UTF-8"?>`), "declaration must be the first bytes")

	dec := xml.NewDecoder(strings.NewReader(raw))
	var root xml.StartElement
	for {
		tok, err := dec.Token()
		require.NoError(t, err)
		if se, ok := tok.(xml.StartElement); ok {
			root = se
			break
		}
	}
	assert.Equal(t, "urlset", root.Name.Local)
	assert.Equal(t, SitemapNamespace, root.Name.Space)

	var parsed struct {
		URLs []struct {
			Loc      string `xml:"loc"`
			LastMod  string `xml:"lastmod"`
			Priority string `xml:"priority"`
		} `xml:"url"`
	}
	require.NoError(t, xml.Unmarshal([]byte(raw), &parsed))
	require.Len(t, parsed.URLs, 4)
	assert.Equal(t, "https://deals.example/shop/", parsed.URLs[0].Loc)
	assert.Equal(t, "1.0", parsed.URLs[0].Priority)
	assert.Equal(t, "https://deals.example/shop/posts/20240102_9900.html", parsed.URLs[1].Loc)
	assert.Equal(t, "2024-01-02", parsed.URLs[1].LastMod)
	assert.Equal(t, "0.8", parsed.URLs[1].Priority)
	assert.Equal(t, "https://deals.example/shop/posts/20231231_%EC%82%BC%EC%84%B1_%EB%85%B8%ED%8A%B8%EB%B6%81_55.html", parsed.URLs[3].Loc)

	robots := readFile(t, filepath.Join(dir, RobotsFile))
	assert.Equal(t, "User-agent: *\nAllow: /\nSitemap: https://deals.example/shop/sitemap.xml\n", robots)
}

func TestRebuildIsIdempotent(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	seedPages(t, store, map[string]product.Record{
		"20240101": {ID: "1", Name: "One", Price: 1},
		"20240102": {ID: "2", Name: "Two", Price: 2},
	})
	r := newRebuilder(t, store, 0)

	_, err := r.Rebuild(context.Background())
	require.NoError(t, err)
	first := map[string]string{}
	for _, f := range []string{IndexFile, SitemapFile, RobotsFile} {
		first[f] = readFile(t, filepath.Join(dir, f))
	}

	_, err = r.Rebuild(context.Background())
	require.NoError(t, err)
	for f, want := range first {
		assert.Equal(t, want, readFile(t, filepath.Join(dir, f)), f)
	}
}

func TestRebuildEmptySite(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	summary, err := newRebuilder(t, store, 0).Rebuild(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Posts)

	raw := readFile(t, filepath.Join(dir, SitemapFile))
	var parsed urlSet
	require.NoError(t, xml.Unmarshal([]byte(raw), &parsed))
	assert.Len(t, parsed.URLs, 1)
}

type flakyStore struct {
	*local.BlobStore
	failPath string
}

func (s flakyStore) Replace(ctx context.Context, path string, data io.Reader) (string, error) {
	if path == s.failPath {
		return "", errors.New("disk full")
	}
	return s.BlobStore.Replace(ctx, path, data)
}

func TestRebuildContinuesPastFailures(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	r := newRebuilder(t, flakyStore{BlobStore: store, failPath: IndexFile}, 0)

	summary, err := r.Rebuild(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), IndexFile)
	assert.Equal(t, []string{SitemapFile, RobotsFile}, summary.Files)
	assert.FileExists(t, filepath.Join(dir, SitemapFile))
	assert.NoFileExists(t, filepath.Join(dir, IndexFile))
}

func TestNewRebuilderRequiresAbsoluteBaseURL(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	_, err := NewRebuilder(store, RebuilderConfig{BaseURL: "deals.example"}, nil)
	assert.Error(t, err)
	_, err = NewRebuilder(store, RebuilderConfig{}, nil)
	assert.Error(t, err)
}

func TestArtifactName(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 12, 31, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "20241231_9900.html", ArtifactName("9900", at))
	assert.True(t, strings.HasSuffix(ArtifactName("x", at), Extension))
}
