// Package query produces free-text search terms from a word vocabulary so that
// successive runs hit different slices of the catalogue.
package query

import (
	"errors"
	"math/rand/v2"
	"strings"
	"time"
)

// Vocabulary groups the disjoint word-lists terms are drawn from.
type Vocabulary struct {
	Qualifiers []string `mapstructure:"qualifiers"`
	Brands     []string `mapstructure:"brands"`
	Types      []string `mapstructure:"types"`
	Modifiers  []string `mapstructure:"modifiers"`
}

// DefaultVocabulary returns the stock word-lists.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Qualifiers: []string{"가성비", "인기", "추천"},
		Brands:     []string{"삼성", "나이키", "LG"},
		Types:      []string{"노트북", "운동화", "에어팟"},
		Modifiers:  []string{"대용량", "미니", "세트"},
	}
}

// ErrEmptyVocabulary is returned when every word-list is empty.
var ErrEmptyVocabulary = errors.New("query vocabulary is empty")

// maxTerms caps how many words a single query may contain.
const maxTerms = 3

// Generator draws search terms from a Vocabulary.
type Generator struct {
	lists [][]string
	rng   *rand.Rand
}

// NewGenerator builds a Generator. A nil rng seeds from the wall clock.
func NewGenerator(v Vocabulary, rng *rand.Rand) (*Generator, error) {
	// Terms are joined in list order.
	lists := [][]string{clean(v.Qualifiers), clean(v.Brands), clean(v.Types), clean(v.Modifiers)}
	total := 0
	for _, l := range lists {
		total += len(l)
	}
	if total == 0 {
		return nil, ErrEmptyVocabulary
	}
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return &Generator{lists: lists, rng: rng}, nil
}

// Next returns a non-empty term of one to three words.
func (g *Generator) Next() string {
	const typeList = 2

	picked := make([]bool, len(g.lists))
	count := 0
	if len(g.lists[typeList]) > 0 {
		picked[typeList] = true
		count++
	}

	var others []int
	for i, l := range g.lists {
		if !picked[i] && len(l) > 0 {
			others = append(others, i)
		}
	}
	g.rng.Shuffle(len(others), func(i, j int) { others[i], others[j] = others[j], others[i] })

	extra := g.rng.IntN(maxTerms - count + 1)
	if count == 0 && extra == 0 {
		extra = 1
	}
	for _, idx := range others {
		if extra == 0 {
			break
		}
		picked[idx] = true
		extra--
	}

	words := make([]string, 0, maxTerms)
	for i, l := range g.lists {
		if picked[i] {
			words = append(words, l[g.rng.IntN(len(l))])
		}
	}
	return strings.Join(words, " ")
}

func clean(in []string) []string {
	out := make([]string, 0, len(in))
	for _, w := range in {
		w = strings.TrimSpace(w)
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
