// Package app_test contains unit tests for the app package.
package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/dealshuttle/internal/app"
	"github.com/JakeFAU/dealshuttle/internal/config"
	"github.com/JakeFAU/dealshuttle/internal/query"
	"github.com/JakeFAU/dealshuttle/internal/site"
)

const searchPath = "/v2/providers/affiliate_open_api/apis/openapi/v1/products/search"

func newGateway(t *testing.T, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		auth := r.Header.Get("Authorization")
		if r.URL.Path != searchPath || !strings.HasPrefix(auth, "CEA algorithm=HmacSHA256, access-key=ak, signed-date=") {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"ERROR","message":"Unauthorized"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newGenerator(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "gem" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"**첫째** 장점\n\n둘째 장점"}]}}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func baseConfig(t *testing.T, searchURL string) config.Config {
	t.Helper()
	return config.Config{
		Site: config.SiteConfig{
			RootDir:    t.TempDir(),
			BaseURL:    "https://deals.example",
			PostsDir:   "posts",
			LedgerFile: ".ledger",
			Timezone:   "UTC",
			Disclosure: "파트너스 고지",
			IndexLimit: 100,
		},
		Search: config.SearchConfig{
			BaseURL:   searchURL,
			Path:      searchPath,
			AccessKey: "ak",
			SecretKey: "sk",
			PageSize:  10,
			MaxPages:  1,
			Timeout:   2 * time.Second,
		},
		Enrich: config.EnrichConfig{Model: "gemini-test", Timeout: 2 * time.Second},
		Run:    config.RunConfig{TargetCount: 5, MaxQueries: 1},
		Query:  query.Vocabulary{Types: []string{"노트북"}},
	}
}

const twoProducts = `{"rCode":"0","rMessage":"","data":{"productData":[
	{"productId":7788,"productName":"Widget","productPrice":9900,"productImage":"https://img.example/w.png?x=1","productUrl":"https://link.example/7788"},
	{"productId":9900,"productName":"Gadget","productPrice":5000,"productImage":"https://img.example/g.png","productUrl":"https://link.example/9900"}
]}}`

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()

	gateway, _ := newGateway(t, twoProducts)
	generator := newGenerator(t)
	cfg := baseConfig(t, gateway.URL)
	cfg.Enrich.BaseURL = generator.URL
	cfg.Enrich.APIKey = "gem"

	posts := filepath.Join(cfg.Site.RootDir, "posts")
	require.NoError(t, os.MkdirAll(posts, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(posts, "20240101_7788.html"), []byte("<title>Widget</title>"), 0o600))

	a, err := app.New(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer a.Close()

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Written, 1)
	assert.True(t, strings.HasSuffix(report.Written[0], "_9900.html"))
	assert.Equal(t, 1, report.Duplicates)
	assert.Zero(t, report.Fallbacks)
	assert.NotEmpty(t, report.RunID)

	// #nosec G304 -- test reads from the temp directory.
	page, err := os.ReadFile(filepath.Join(cfg.Site.RootDir, report.Written[0]))
	require.NoError(t, err)
	assert.Contains(t, string(page), "<p>첫째 장점</p>")
	assert.Contains(t, string(page), "파트너스 고지")

	for _, f := range []string{site.IndexFile, site.SitemapFile, site.RobotsFile} {
		assert.FileExists(t, filepath.Join(cfg.Site.RootDir, f))
	}
	// #nosec G304 -- test reads from the temp directory.
	ledgerFile, err := os.ReadFile(filepath.Join(posts, ".ledger"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"7788", "9900"}, strings.Fields(string(ledgerFile)))
}

func TestRunWithoutGenerationKeyUsesFallback(t *testing.T) {
	t.Parallel()

	gateway, _ := newGateway(t, twoProducts)
	cfg := baseConfig(t, gateway.URL)

	a, err := app.New(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	defer a.Close()

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Written, 2)
	assert.Equal(t, 2, report.Fallbacks)
}

func TestRunRejectedCredentials(t *testing.T) {
	t.Parallel()

	gateway, calls := newGateway(t, twoProducts)
	cfg := baseConfig(t, gateway.URL)
	cfg.Search.AccessKey = "wrong"
	cfg.Run.MaxQueries = 3

	a, err := app.New(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	defer a.Close()

	report, err := a.Run(context.Background())
	require.Error(t, err)
	assert.True(t, report.Unauthorized)
	assert.Equal(t, int32(1), calls.Load())
	assert.FileExists(t, filepath.Join(cfg.Site.RootDir, site.SitemapFile))
}

func TestRunWithoutSearchCredentialsStillRebuilds(t *testing.T) {
	t.Parallel()

	gateway, calls := newGateway(t, twoProducts)
	cfg := baseConfig(t, gateway.URL)
	cfg.Search.AccessKey = ""
	cfg.Search.SecretKey = ""
	require.NoError(t, cfg.Validate())

	posts := filepath.Join(cfg.Site.RootDir, "posts")
	require.NoError(t, os.MkdirAll(posts, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(posts, "20240101_7788.html"), []byte("<title>Widget</title>"), 0o600))

	a, err := app.New(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	defer a.Close()

	report, err := a.Run(context.Background())
	require.Error(t, err)
	assert.True(t, report.Unauthorized)
	assert.Empty(t, report.Written)
	assert.Zero(t, calls.Load(), "no request is sent without keys")
	assert.Equal(t, 1, report.Rebuild.Posts)

	// #nosec G304 -- test reads from the temp directory.
	index, err := os.ReadFile(filepath.Join(cfg.Site.RootDir, site.IndexFile))
	require.NoError(t, err)
	assert.Contains(t, string(index), "20240101_7788.html")
	assert.FileExists(t, filepath.Join(cfg.Site.RootDir, site.SitemapFile))
	assert.FileExists(t, filepath.Join(cfg.Site.RootDir, site.RobotsFile))
}

func TestNewMirrorClientFailure(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t, "http://127.0.0.1:1")
	cfg.Mirror = config.MirrorConfig{GCSBucket: "bucket", Timeout: time.Second}
	boom := errors.New("no credentials")

	_, err := app.New(context.Background(), cfg, nil, func(context.Context) (*storage.Client, error) {
		return nil, boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestNewRejectsUnwritableRoot(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t, "http://127.0.0.1:1")
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	cfg.Site.RootDir = file

	_, err := app.New(context.Background(), cfg, nil, nil)
	assert.Error(t, err)
}
