package intent

import (
	"context"
	"regexp"
	"strings"

	"github.com/ashureev/teller/internal/catalog"
	"github.com/ashureev/teller/internal/domain"
	"github.com/ashureev/teller/internal/feedback"
)

var (
	tokenPattern = regexp.MustCompile(`[a-z]+`)
	stopwords    = map[string]bool{
		"a": true, "an": true, "the": true, "my": true, "me": true, "i": true,
		"to": true, "for": true, "of": true, "is": true, "are": true, "please": true,
		"can": true, "you": true, "do": true, "on": true, "in": true, "it": true,
		"this": true, "that": true, "with": true, "from": true, "some": true,
		"want": true, "would": true, "like": true, "s": true, "d": true, "m": true,
	}
)

func tokens(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if !stopwords[tok] {
			set[tok] = true
		}
	}
	return set
}

// dice is the Dice coefficient of two token sets.
func dice(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for tok := range a {
		if b[tok] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(a)+len(b))
}

// KeywordClassifier is the in-process domain model. It scores training
// phrases by token overlap and extracts typed entities for the best intent.
type KeywordClassifier struct {
	source  CatalogSource
	parsers *feedback.Registry
}

// NewKeywordClassifier creates a keyword classifier over the catalog.
func NewKeywordClassifier(source CatalogSource, parsers *feedback.Registry) *KeywordClassifier {
	if parsers == nil {
		parsers = feedback.NewRegistry()
	}
	return &KeywordClassifier{source: source, parsers: parsers}
}

// Classify implements Classifier.
func (k *KeywordClassifier) Classify(_ context.Context, text string, _ []domain.Turn) (Result, error) {
	msg := tokens(text)
	var (
		best      *catalog.Intent
		bestScore float64
	)
	for _, in := range k.source.Current().Intents {
		for _, phrase := range in.TrainingPhrases {
			if s := dice(msg, tokens(phrase)); s > bestScore {
				best, bestScore = in, s
			}
		}
	}
	if best == nil {
		return Result{Intent: Unknown}, nil
	}
	return Result{
		Intent:     best.Name,
		Confidence: bestScore,
		Entities:   k.extract(best, text),
	}, nil
}

// extract pulls typed entities for intent from text. Free-text fields are
// left for the dialogue to collect.
func (k *KeywordClassifier) extract(in *catalog.Intent, text string) map[string]string {
	var typed []catalog.Field
	for _, f := range in.Fields {
		if f.Type != catalog.FieldText {
			typed = append(typed, f)
		}
	}
	values := k.parsers.Fill(text, typed)
	if len(values) == 0 {
		return nil
	}
	return values
}
