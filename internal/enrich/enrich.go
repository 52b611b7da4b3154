// Package enrich turns a bare product into descriptive prose using a text
// generation provider, falling back to locally built copy whenever the
// provider fails, refuses, or is not configured.
package enrich

import (
	"context"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// DefaultPrompt asks for a friendly review in plain text.
const DefaultPrompt = "상품명 '{name}'에 대해 쇼핑 전문가처럼 친절한 해요체로 400자 내외 상세 리뷰를 HTML 없이 작성해줘. 장점 3가지 포함."

const priceHint = " 현재 판매가는 {price}원이야."

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Pacer blocks until the provider quota allows another call.
type Pacer interface {
	Wait(ctx context.Context) (time.Duration, error)
}

// Options tune prompt construction and call limits.
type Options struct {
	PromptTemplate string
	IncludePrice   bool
	Timeout        time.Duration
}

// Content is the prose attached to one product for one run.
type Content struct {
	// Paragraphs is never empty.
	Paragraphs []string
	// Fallback reports that the provider output was not used.
	Fallback bool
	// Err is why the fallback was used, if it was.
	Err error
}

// Text joins the paragraphs with blank-line section breaks.
func (c Content) Text() string {
	return strings.Join(c.Paragraphs, "\n\n")
}

// Enricher calls the provider one product at a time. It is not meant for
// concurrent use: the provider quota is shared and calls must stay serialized.
type Enricher struct {
	gen    Generator
	pacer  Pacer
	opts   Options
	logger *zap.Logger
}

// New builds an Enricher. A nil gen disables generation entirely and every
// product receives fallback copy.
func New(gen Generator, pacer Pacer, opts Options, logger *zap.Logger) *Enricher {
	if opts.PromptTemplate == "" {
		opts.PromptTemplate = DefaultPrompt
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{gen: gen, pacer: pacer, opts: opts, logger: logger}
}

// Describe returns prose for the product. It never fails: any provider problem
// yields Fallback(name, price).
func (e *Enricher) Describe(ctx context.Context, name string, price int64) Content {
	if e.gen == nil {
		return fallbackContent(name, price, ErrDisabled)
	}
	logger := e.logger.With(zap.String("product", name))

	if e.pacer != nil {
		waited, err := e.pacer.Wait(ctx)
		if err != nil {
			logger.Warn("quota wait aborted; using fallback copy", zap.Error(err))
			return fallbackContent(name, price, err)
		}
		if waited > 0 {
			logger.Debug("waited for generation quota", zap.Duration("waited", waited))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	text, err := e.gen.Generate(callCtx, e.Prompt(name, price))
	if err != nil {
		logger.Warn("generation failed; using fallback copy", zap.Error(err))
		return fallbackContent(name, price, err)
	}
	paragraphs := Paragraphs(text)
	if len(paragraphs) == 0 {
		logger.Warn("generation produced no usable text; using fallback copy")
		return fallbackContent(name, price, ErrRefused)
	}
	return Content{Paragraphs: paragraphs}
}

// Prompt renders the prompt template for a product. Only the name and,
// optionally, the price are ever sent.
func (e *Enricher) Prompt(name string, price int64) string {
	tmpl := e.opts.PromptTemplate
	if e.opts.IncludePrice && !strings.Contains(tmpl, "{price}") {
		tmpl += priceHint
	}
	return strings.NewReplacer("{name}", name, "{price}", FormatPrice(price)).Replace(tmpl)
}

// Fallback is the deterministic copy used when generation is unavailable. It
// always contains the product name and the grouped price.
func Fallback(name string, price int64) []string {
	return []string{
		name + "은(는) 품질과 가격을 모두 잡은 추천 상품입니다.",
		"현재 판매가는 " + FormatPrice(price) + "원입니다. 자세한 정보는 아래 링크에서 확인해 보세요.",
	}
}

// FormatPrice groups thousands with commas.
func FormatPrice(price int64) string {
	return humanize.Comma(price)
}

// Paragraphs splits generated text into trimmed, non-empty paragraphs, one per
// line, dropping markdown emphasis the provider sometimes adds.
func Paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "**", "")
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func fallbackContent(name string, price int64, err error) Content {
	return Content{Paragraphs: Fallback(name, price), Fallback: true, Err: err}
}
