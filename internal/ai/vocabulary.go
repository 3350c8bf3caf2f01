package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// kerasDefaultFilters is the character set Keras' Tokenizer strips from text
// before splitting.
const kerasDefaultFilters = "!\"#$%&()*+,-./:;<=>?@[\\]^_`{|}~\t\n"

// Vocabulary is the two-way word/index mapping the caption model was
// trained with. It is immutable after construction and safe for concurrent
// use.
type Vocabulary struct {
	wordToIndex map[string]int
	indexToWord map[int]string
	filters     string
	lower       bool
	split       string
	numWords    int
	oovIndex    int
}

// NewVocabulary builds a vocabulary from a word->index map using the default
// Keras tokenizer settings. Index 0 is reserved for padding and must not be
// used by any word.
func NewVocabulary(wordIndex map[string]int) (*Vocabulary, error) {
	return newVocabulary(wordIndex, tokenizerConfig{
		Filters: kerasDefaultFilters,
		Lower:   true,
		Split:   " ",
	})
}

type tokenizerConfig struct {
	NumWords  *int            `json:"num_words"`
	Filters   string          `json:"filters"`
	Lower     bool            `json:"lower"`
	Split     string          `json:"split"`
	OOVToken  *string         `json:"oov_token"`
	WordIndex json.RawMessage `json:"word_index"`
}

func newVocabulary(wordIndex map[string]int, cfg tokenizerConfig) (*Vocabulary, error) {
	if len(wordIndex) == 0 {
		return nil, fmt.Errorf("vocabulary is empty")
	}

	v := &Vocabulary{
		wordToIndex: make(map[string]int, len(wordIndex)),
		indexToWord: make(map[int]string, len(wordIndex)),
		filters:     cfg.Filters,
		lower:       cfg.Lower,
		split:       cfg.Split,
		oovIndex:    -1,
	}
	if v.split == "" {
		v.split = " "
	}
	if cfg.NumWords != nil {
		v.numWords = *cfg.NumWords
	}

	for word, idx := range wordIndex {
		if idx <= 0 {
			return nil, fmt.Errorf("word %q has reserved index %d", word, idx)
		}
		if other, dup := v.indexToWord[idx]; dup {
			return nil, fmt.Errorf("index %d assigned to both %q and %q", idx, other, word)
		}
		v.wordToIndex[word] = idx
		v.indexToWord[idx] = word
	}

	if cfg.OOVToken != nil {
		if idx, ok := v.wordToIndex[*cfg.OOVToken]; ok {
			v.oovIndex = idx
		}
	}

	return v, nil
}

// LoadVocabulary reads a tokenizer artifact. Two layouts are accepted: the
// JSON written by Keras' Tokenizer.to_json (where config.word_index is
// itself a JSON encoded string), or a plain {"word": index} object.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary: %w", err)
	}
	return ParseVocabulary(data)
}

func ParseVocabulary(data []byte) (*Vocabulary, error) {
	var envelope struct {
		ClassName string          `json:"class_name"`
		Config    json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.ClassName == "Tokenizer" {
		return parseKerasTokenizer(envelope.Config)
	}

	var wordIndex map[string]int
	if err := json.Unmarshal(data, &wordIndex); err != nil {
		return nil, fmt.Errorf("failed to parse vocabulary: %w", err)
	}
	return NewVocabulary(wordIndex)
}

func parseKerasTokenizer(raw json.RawMessage) (*Vocabulary, error) {
	var cfg tokenizerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer config: %w", err)
	}

	wordIndexJSON := bytes.TrimSpace(cfg.WordIndex)
	if len(wordIndexJSON) > 0 && wordIndexJSON[0] == '"' {
		var encoded string
		if err := json.Unmarshal(wordIndexJSON, &encoded); err != nil {
			return nil, fmt.Errorf("failed to parse tokenizer word_index: %w", err)
		}
		wordIndexJSON = []byte(encoded)
	}

	var wordIndex map[string]int
	if err := json.Unmarshal(wordIndexJSON, &wordIndex); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer word_index: %w", err)
	}
	return newVocabulary(wordIndex, cfg)
}

func (v *Vocabulary) Size() int {
	return len(v.wordToIndex)
}

func (v *Vocabulary) Index(word string) (int, bool) {
	idx, ok := v.wordToIndex[word]
	return idx, ok
}

// Word maps an index back to its word. Index 0 (padding) and indices
// outside the vocabulary report false.
func (v *Vocabulary) Word(index int) (string, bool) {
	word, ok := v.indexToWord[index]
	return word, ok
}

// TextToSequence tokenizes text the way Keras' texts_to_sequences does:
// optional lowercasing, filter characters replaced by the split string,
// empty tokens dropped, unknown words dropped (or mapped to the OOV token
// when the tokenizer has one).
func (v *Vocabulary) TextToSequence(text string) []int {
	if v.lower {
		text = strings.ToLower(text)
	}
	if v.filters != "" {
		var b strings.Builder
		b.Grow(len(text))
		for _, r := range text {
			if strings.ContainsRune(v.filters, r) {
				b.WriteString(v.split)
				continue
			}
			b.WriteRune(r)
		}
		text = b.String()
	}

	var seq []int
	for _, word := range strings.Split(text, v.split) {
		if word == "" {
			continue
		}
		idx, ok := v.wordToIndex[word]
		switch {
		case ok && (v.numWords == 0 || idx < v.numWords):
			seq = append(seq, idx)
		case v.oovIndex > 0:
			seq = append(seq, v.oovIndex)
		}
	}
	return seq
}
