package jpdb

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// VocabRef identifies one vocabulary entry: word id and spelling id.
type VocabRef struct {
	VID int64 `json:"vid"`
	SID int64 `json:"sid"`
}

func (r VocabRef) String() string { return fmt.Sprintf("%d:%d", r.VID, r.SID) }

// ParseVocabRef parses "vid:sid".
func ParseVocabRef(s string) (VocabRef, error) {
	a, b, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return VocabRef{}, fmt.Errorf("vocabulary ref %q: want vid:sid", s)
	}
	vid, err := strconv.ParseInt(a, 10, 64)
	if err != nil {
		return VocabRef{}, fmt.Errorf("vocabulary ref %q: vid: %w", s, err)
	}
	sid, err := strconv.ParseInt(b, 10, 64)
	if err != nil {
		return VocabRef{}, fmt.Errorf("vocabulary ref %q: sid: %w", s, err)
	}
	return VocabRef{VID: vid, SID: sid}, nil
}

// Vocabulary is one entry of a parse result.
type Vocabulary struct {
	VocabRef
	RID                  int64      `json:"rid"`
	Spelling             string     `json:"spelling"`
	Reading              string     `json:"reading"`
	FrequencyRank        *int       `json:"frequency_rank,omitempty"`
	PartOfSpeech         []string   `json:"part_of_speech"`
	Meanings             [][]string `json:"meanings"`
	MeaningsPartOfSpeech [][]string `json:"meanings_part_of_speech"`
	CardState            []string   `json:"card_state,omitempty"`
	PitchAccent          []string   `json:"pitch_accent,omitempty"`
}

// Token is one segment of parsed text. VocabularyIndex points into
// ParseResult.Vocabulary and is -1 for segments without a match.
type Token struct {
	VocabularyIndex int            `json:"vocabulary_index"`
	Position        int            `json:"position"`
	Length          int            `json:"length"`
	Furigana        []FuriganaPart `json:"furigana,omitempty"`
}

// FuriganaPart is a run of text, with its reading when it carries ruby.
type FuriganaPart struct {
	Base    string `json:"base"`
	Reading string `json:"reading,omitempty"`
}

func (p *FuriganaPart) UnmarshalJSON(b []byte) error {
	var plain string
	if err := json.Unmarshal(b, &plain); err == nil {
		*p = FuriganaPart{Base: plain}
		return nil
	}
	var pair []string
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("furigana: %w", err)
	}
	switch len(pair) {
	case 1:
		*p = FuriganaPart{Base: pair[0]}
	case 2:
		*p = FuriganaPart{Base: pair[0], Reading: pair[1]}
	default:
		return fmt.Errorf("furigana: unexpected %d elements", len(pair))
	}
	return nil
}

type ParseResult struct {
	Tokens     []Token      `json:"tokens"`
	Vocabulary []Vocabulary `json:"vocabulary"`
}

// Deck is one of the user's decks.
type Deck struct {
	ID                 int64   `json:"id"`
	Name               string  `json:"name"`
	VocabularyCount    int     `json:"vocabulary_count"`
	WordCount          int     `json:"word_count"`
	KnownCoverage      float64 `json:"vocabulary_known_coverage"`
	InProgressCoverage float64 `json:"vocabulary_in_progress_coverage"`
}

// SentenceUpdate sets or clears the custom sentence on a card.
type SentenceUpdate struct {
	VocabRef
	Sentence    string
	Translation string
	ClearAudio  bool
	ClearImage  bool
}

// Grade is a review answer.
type Grade string

const (
	GradeNothing     Grade = "nothing"
	GradeSomething   Grade = "something"
	GradeHard        Grade = "hard"
	GradeGood        Grade = "good"
	GradeEasy        Grade = "easy"
	GradeFail        Grade = "fail"
	GradePass        Grade = "pass"
	GradeKnown       Grade = "known"
	GradeUnknown     Grade = "unknown"
	GradeNeverForget Grade = "never-forget"
	GradeBlacklist   Grade = "blacklist"
)

func ParseGrade(s string) (Grade, error) {
	g := Grade(strings.ToLower(strings.TrimSpace(s)))
	switch g {
	case GradeNothing, GradeSomething, GradeHard, GradeGood, GradeEasy,
		GradeFail, GradePass, GradeKnown, GradeUnknown, GradeNeverForget, GradeBlacklist:
		return g, nil
	}
	return "", fmt.Errorf("unknown grade %q", s)
}

// Field lists requested from the API. Row decoders below depend on this order.
var (
	tokenFields = []string{"vocabulary_index", "position", "length", "furigana"}
	vocabFields = []string{
		"vid", "sid", "rid", "spelling", "reading", "frequency_rank",
		"part_of_speech", "meanings_chunks", "meanings_part_of_speech",
		"card_state", "pitch_accent",
	}
	deckFields = []string{
		"id", "name", "vocabulary_count", "word_count",
		"vocabulary_known_coverage", "vocabulary_in_progress_coverage",
	}
)

// decodeRow unmarshals a compact field array into dst, position by position.
// A null column leaves its destination untouched.
func decodeRow(row []json.RawMessage, names []string, dst ...any) error {
	if len(row) != len(dst) {
		return fmt.Errorf("row has %d fields, want %d", len(row), len(dst))
	}
	for i, raw := range row {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		if err := json.Unmarshal(raw, dst[i]); err != nil {
			return fmt.Errorf("field %s: %w", names[i], err)
		}
	}
	return nil
}

func decodeToken(row []json.RawMessage) (Token, error) {
	t := Token{VocabularyIndex: -1}
	err := decodeRow(row, tokenFields, &t.VocabularyIndex, &t.Position, &t.Length, &t.Furigana)
	return t, err
}

func decodeVocabulary(row []json.RawMessage) (Vocabulary, error) {
	var v Vocabulary
	err := decodeRow(row, vocabFields,
		&v.VID, &v.SID, &v.RID, &v.Spelling, &v.Reading, &v.FrequencyRank,
		&v.PartOfSpeech, &v.Meanings, &v.MeaningsPartOfSpeech,
		&v.CardState, &v.PitchAccent,
	)
	return v, err
}

func decodeDeck(row []json.RawMessage) (Deck, error) {
	var d Deck
	err := decodeRow(row, deckFields,
		&d.ID, &d.Name, &d.VocabularyCount, &d.WordCount,
		&d.KnownCoverage, &d.InProgressCoverage,
	)
	return d, err
}
