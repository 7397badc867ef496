package engine

import (
	"context"
	"math"
	"sort"
)

// TFIDFEmbedder embeds traces offline with term weights fitted on the
// trace corpus.
type TFIDFEmbedder struct {
	vocab []string // most common terms across traces
	idf   map[string]float64
	dims  int
}

// NewTFIDFEmbedder fits the vocabulary on trace texts, keeping at most
// maxTerms terms.
func NewTFIDFEmbedder(docs []string, maxTerms int) *TFIDFEmbedder {
	if maxTerms <= 0 {
		maxTerms = 512
	}

	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, term := range tokenize(doc) {
			if !seen[term] {
				df[term]++
				seen[term] = true
			}
		}
	}

	type termFreq struct {
		term string
		freq int
	}
	terms := make([]termFreq, 0, len(df))
	for t, f := range df {
		terms = append(terms, termFreq{t, f})
	}
	// Ties broken by term so the vocabulary is stable between runs.
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].freq != terms[j].freq {
			return terms[i].freq > terms[j].freq
		}
		return terms[i].term < terms[j].term
	})

	dims := min(maxTerms, len(terms))
	if dims == 0 {
		dims = 1
	}

	vocab := make([]string, dims)
	idf := make(map[string]float64)
	numDocs := float64(max(len(docs), 1))
	for i := 0; i < dims && i < len(terms); i++ {
		vocab[i] = terms[i].term
		idf[vocab[i]] = math.Log(numDocs/float64(terms[i].freq)) + 1.0
	}

	return &TFIDFEmbedder{vocab: vocab, idf: idf, dims: dims}
}

func (t *TFIDFEmbedder) Model() string   { return "tfidf" }
func (t *TFIDFEmbedder) Dimensions() int { return t.dims }

// Embed returns a unit vector for one trace's text.
func (t *TFIDFEmbedder) Embed(_ context.Context, text string) (*Embedding, error) {
	vec := make([]float64, t.dims)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return &Embedding{Vector: vec, Model: t.Model(), Version: t.Model()}, nil
	}

	tf := make(map[string]int)
	maxTF := 0
	for _, tok := range tokens {
		tf[tok]++
		maxTF = max(maxTF, tf[tok])
	}

	for i, term := range t.vocab {
		count := tf[term]
		if count == 0 {
			continue
		}
		// Long solutions must not outweigh short ones.
		augTF := 0.5 + 0.5*float64(count)/float64(maxTF)
		idf := t.idf[term]
		if idf == 0 {
			idf = 1.0
		}
		vec[i] = augTF * idf
	}

	normalize(vec)
	return &Embedding{Vector: vec, Model: t.Model(), Version: t.Model()}, nil
}
