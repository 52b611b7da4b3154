// Package site renders the static site: one write-once page per product and
// the aggregate index, sitemap, and robots files derived from them.
package site

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"path"
	"regexp"
	"time"

	"github.com/JakeFAU/dealshuttle/internal/enrich"
	"github.com/JakeFAU/dealshuttle/internal/product"
	"github.com/JakeFAU/dealshuttle/internal/storage/local"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// Extension is the file extension of every page the site publishes.
const Extension = ".html"

// DateLayout is the date prefix of artifact file names.
const DateLayout = "20060102"

// DefaultDisclosure is the affiliate relationship notice every page must carry.
const DefaultDisclosure = "본 포스팅은 쿠팡 파트너스 활동의 일환으로 수수료를 제공받을 수 있습니다."

var (
	// ErrExists means an artifact for the product is already on disk.
	ErrExists = local.ErrExists
	// ErrInvalidID means the product id cannot be embedded in a file name.
	ErrInvalidID = errors.New("invalid product id")
)

// idPattern keeps ids to a single file-name token with no delimiter.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ValidID reports whether id can be embedded in an artifact name. Callers check
// it before spending a generation call on the product.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Creator persists a new file and fails with ErrExists if one is already there.
type Creator interface {
	Create(ctx context.Context, path string, data io.Reader) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// WriterConfig controls artifact placement and mandatory copy.
type WriterConfig struct {
	PostsDir   string
	Disclosure string
}

// Writer persists exactly one page per product.
type Writer struct {
	store Creator
	clock Clock
	cfg   WriterConfig
}

// NewWriter builds a Writer.
func NewWriter(store Creator, clock Clock, cfg WriterConfig) (*Writer, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.PostsDir == "" {
		cfg.PostsDir = "posts"
	}
	if cfg.Disclosure == "" {
		cfg.Disclosure = DefaultDisclosure
	}
	return &Writer{store: store, clock: clock, cfg: cfg}, nil
}

// ArtifactName returns <date>_<id>.html.
func ArtifactName(id string, at time.Time) string {
	return at.Format(DateLayout) + "_" + id + Extension
}

type postView struct {
	Name       string
	ImageURL   string
	Price      string
	Paragraphs []string
	DetailURL  string
	Disclosure string
}

// Write renders and stores the page for rec, returning its path relative to
// the site root. An existing page for the same path yields ErrExists and is
// left untouched.
func (w *Writer) Write(ctx context.Context, rec product.Record, content enrich.Content) (string, error) {
	if !ValidID(rec.ID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, rec.ID)
	}
	paragraphs := content.Paragraphs
	if len(paragraphs) == 0 {
		paragraphs = enrich.Fallback(rec.Name, rec.Price)
	}

	var buf bytes.Buffer
	err := templates.ExecuteTemplate(&buf, "post.html.tmpl", postView{
		Name:       rec.Name,
		ImageURL:   product.NormalizeImageURL(rec.ImageURL),
		Price:      enrich.FormatPrice(rec.Price),
		Paragraphs: paragraphs,
		DetailURL:  rec.DetailURL,
		Disclosure: w.cfg.Disclosure,
	})
	if err != nil {
		return "", fmt.Errorf("render page for %s: %w", rec.ID, err)
	}

	rel := path.Join(w.cfg.PostsDir, ArtifactName(rec.ID, w.clock.Now()))
	if _, err := w.store.Create(ctx, rel, &buf); err != nil {
		return "", fmt.Errorf("write page for %s: %w", rec.ID, err)
	}
	return rel, nil
}
