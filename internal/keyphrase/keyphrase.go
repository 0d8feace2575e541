// Package keyphrase extracts cited source documents and keyphrases from the
// retriever resources attached to an assistant turn.
package keyphrase

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zulandar/chatrelay/internal/stream"
)

// phraseSeparator splits a retrieved document into candidate phrases.
const phraseSeparator = "\r\n"

// minPhraseLen is the longest trimmed piece that is still discarded.
const minPhraseLen = 3

// SourceDocument is one retriever resource cited by the answer.
type SourceDocument struct {
	Index         int    `json:"index"`
	Content       string `json:"content"`
	ContentLength int    `json:"content_length"`
}

// DocumentKeyphrases lists the phrases extracted from one source document.
type DocumentKeyphrases struct {
	DocumentIndex  int      `json:"document_index"`
	Keyphrases     []string `json:"keyphrases"`
	KeyphraseCount int      `json:"keyphrase_count"`
}

// Bundle is the extraction result stored alongside an assistant message.
// Error is set instead of returning an error so a bad payload never blocks
// persistence.
type Bundle struct {
	SourceDocuments      []SourceDocument     `json:"source_documents"`
	DocumentKeyphrases   []DocumentKeyphrases `json:"document_keyphrases"`
	AllKeyphrases        []string             `json:"all_keyphrases"`
	UniqueKeyphrases     []string             `json:"unique_keyphrases"`
	TotalKeyphraseCount  int                  `json:"total_keyphrase_count"`
	UniqueKeyphraseCount int                  `json:"unique_keyphrase_count"`
	Error                string               `json:"error,omitempty"`
}

type endMetadata struct {
	RetrieverResources []retrieverResource `json:"retriever_resources"`
}

type retrieverResource struct {
	Content string `json:"content"`
}

// Extract scans every message_end event and builds the keyphrase bundle.
// Events without retriever resources produce empty lists.
func Extract(events []stream.Event) Bundle {
	b := Bundle{
		SourceDocuments:    []SourceDocument{},
		DocumentKeyphrases: []DocumentKeyphrases{},
		AllKeyphrases:      []string{},
	}

	index := 0
	for _, evt := range events {
		end, ok := evt.(*stream.MessageEndEvent)
		if !ok {
			continue
		}
		resources, err := decodeResources(end.Metadata)
		if err != nil {
			b.Error = fmt.Sprintf("keyphrase extraction failed: %v", err)
			break
		}
		for _, res := range resources {
			index++
			b.SourceDocuments = append(b.SourceDocuments, SourceDocument{
				Index:         index,
				Content:       res.Content,
				ContentLength: utf8.RuneCountInString(res.Content),
			})
			phrases := Phrases(res.Content)
			b.DocumentKeyphrases = append(b.DocumentKeyphrases, DocumentKeyphrases{
				DocumentIndex:  index,
				Keyphrases:     phrases,
				KeyphraseCount: len(phrases),
			})
			b.AllKeyphrases = append(b.AllKeyphrases, phrases...)
		}
	}

	b.UniqueKeyphrases = dedupe(b.AllKeyphrases)
	b.TotalKeyphraseCount = len(b.AllKeyphrases)
	b.UniqueKeyphraseCount = len(b.UniqueKeyphrases)
	return b
}

// Phrases splits content on CRLF, trims each piece, and keeps those longer
// than three characters, in order.
func Phrases(content string) []string {
	phrases := []string{}
	if content == "" {
		return phrases
	}
	for _, piece := range strings.Split(content, phraseSeparator) {
		piece = strings.TrimSpace(piece)
		if utf8.RuneCountInString(piece) > minPhraseLen {
			phrases = append(phrases, piece)
		}
	}
	return phrases
}

// decodeResources reads metadata.retriever_resources. Absent or null
// metadata and resources are not errors.
func decodeResources(metadata json.RawMessage) ([]retrieverResource, error) {
	if len(metadata) == 0 || string(metadata) == "null" {
		return nil, nil
	}
	var md endMetadata
	if err := json.Unmarshal(metadata, &md); err != nil {
		return nil, err
	}
	return md.RetrieverResources, nil
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
