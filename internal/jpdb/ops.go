package jpdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"jpdbq/internal/queue"
)

// Job names as they appear in queue events and job history.
const (
	JobPing           = "ping"
	JobParse          = "parse"
	JobListDecks      = "list_decks"
	JobAddToDeck      = "deck_add"
	JobRemoveFromDeck = "deck_remove"
	JobSetSentence    = "set_sentence"
	JobReview         = "review"
)

type empty struct{}

func discard([]byte) (empty, error) { return empty{}, nil }

func refs(vocab []VocabRef) [][2]int64 {
	out := make([][2]int64, len(vocab))
	for i, v := range vocab {
		out[i] = [2]int64{v.VID, v.SID}
	}
	return out
}

// Ping checks that the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	_, err := call(ctx, c, JobPing, "/api/v1/ping", nil, discard)
	return err
}

// Parse segments text into tokens and the vocabulary they reference.
// Token positions are in Unicode code points.
func (c *Client) Parse(ctx context.Context, text string) (ParseResult, error) {
	if strings.TrimSpace(text) == "" {
		return ParseResult{}, fmt.Errorf("jpdb: parse: empty text")
	}
	body := map[string]any{
		"text":                     text,
		"token_fields":             tokenFields,
		"vocabulary_fields":        vocabFields,
		"position_length_encoding": "utf32",
	}
	return call(ctx, c, JobParse, "/api/v1/parse", body, decodeParse)
}

func decodeParse(raw []byte) (ParseResult, error) {
	var resp struct {
		Tokens     [][]json.RawMessage `json:"tokens"`
		Vocabulary [][]json.RawMessage `json:"vocabulary"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ParseResult{}, err
	}
	out := ParseResult{
		Tokens:     make([]Token, 0, len(resp.Tokens)),
		Vocabulary: make([]Vocabulary, 0, len(resp.Vocabulary)),
	}
	for i, row := range resp.Tokens {
		t, err := decodeToken(row)
		if err != nil {
			return ParseResult{}, fmt.Errorf("token %d: %w", i, err)
		}
		out.Tokens = append(out.Tokens, t)
	}
	for i, row := range resp.Vocabulary {
		v, err := decodeVocabulary(row)
		if err != nil {
			return ParseResult{}, fmt.Errorf("vocabulary %d: %w", i, err)
		}
		out.Vocabulary = append(out.Vocabulary, v)
	}
	return out, nil
}

func (c *Client) ListDecks(ctx context.Context) ([]Deck, error) {
	body := map[string]any{"fields": deckFields}
	return call(ctx, c, JobListDecks, "/api/v1/list-user-decks", body, decodeDecks)
}

func decodeDecks(raw []byte) ([]Deck, error) {
	var resp struct {
		Decks [][]json.RawMessage `json:"decks"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	out := make([]Deck, 0, len(resp.Decks))
	for i, row := range resp.Decks {
		d, err := decodeDeck(row)
		if err != nil {
			return nil, fmt.Errorf("deck %d: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Client) AddToDeck(ctx context.Context, deckID int64, vocab []VocabRef) error {
	return c.changeDeck(ctx, JobAddToDeck, "/api/v1/deck/add-vocabulary", deckID, vocab)
}

func (c *Client) RemoveFromDeck(ctx context.Context, deckID int64, vocab []VocabRef) error {
	return c.changeDeck(ctx, JobRemoveFromDeck, "/api/v1/deck/remove-vocabulary", deckID, vocab)
}

func (c *Client) changeDeck(ctx context.Context, name, path string, deckID int64, vocab []VocabRef) error {
	if len(vocab) == 0 {
		return fmt.Errorf("jpdb: %s: no vocabulary given", name)
	}
	body := map[string]any{"id": deckID, "vocabulary": refs(vocab)}
	_, err := call(ctx, c, name, path, body, discard)
	return err
}

func (c *Client) SetSentence(ctx context.Context, u SentenceUpdate) error {
	body := map[string]any{"vid": u.VID, "sid": u.SID}
	if u.Sentence != "" {
		body["sentence"] = u.Sentence
	}
	if u.Translation != "" {
		body["translation"] = u.Translation
	}
	if u.ClearAudio {
		body["clear_audio"] = true
	}
	if u.ClearImage {
		body["clear_image"] = true
	}
	_, err := call(ctx, c, JobSetSentence, "/api/v1/set-card-sentence", body, discard)
	return err
}

// Review would submit a grade through the review page. The service has no API
// for it, so the job always fails with ErrNotImplemented and the queue backs
// off as for any other failure.
func (c *Client) Review(ctx context.Context, ref VocabRef, grade Grade) error {
	_, err := scrape(ctx, c, JobReview, func(context.Context) (empty, error) {
		return empty{}, fmt.Errorf("%w: review %s as %s", ErrNotImplemented, ref, grade)
	})
	return err
}

// scrape runs fn as a queue job paced with the scrape delay.
func scrape[T any](ctx context.Context, c *Client, name string, fn func(context.Context) (T, error)) (T, error) {
	return queue.Do(ctx, c.q, name, func(jobCtx context.Context) (T, time.Duration, error) {
		v, err := fn(jobCtx)
		if err != nil {
			return v, 0, err
		}
		_, d := c.Delays()
		return v, d, nil
	})
}
