package search

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kazedev/kiroku/internal/session"
	"github.com/kazedev/kiroku/internal/storage"
)

type MatchType string

const (
	MatchContent  MatchType = "content"
	MatchMetadata MatchType = "metadata"
	MatchFilename MatchType = "filename"
	MatchMixed    MatchType = "mixed"
)

const (
	confidenceTitle    = 0.9
	confidenceTags     = 0.8
	confidenceContent  = 0.8
	confidencePreview  = 0.7
	confidenceFilename = 0.6

	contextWindow = 50
)

type Options struct {
	Limit            int
	MinRelevance     float64
	IncludeContent   bool
	IncludeMetadata  bool
	IncludeFilenames bool
	CaseSensitive    bool
	FuzzyMatch       bool
	SortBy           string // "relevance" (default) or "lastModified"
}

func DefaultOptions() Options {
	return Options{
		Limit:            20,
		IncludeContent:   true,
		IncludeMetadata:  true,
		IncludeFilenames: true,
		SortBy:           "relevance",
	}
}

type Match struct {
	Type       string  // message, title, tags, filename, notes
	Text       string  // with **…** highlighting
	Context    string  // window around the hit, with ellipses
	Position   int
	Confidence float64
}

type Result struct {
	Session        session.Metadata
	RelevanceScore float64
	Matches        []Match
	MatchType      MatchType
}

// Engine scans the index metadata first and falls back to full session
// content only when asked. Search is linear over candidates; there is no
// inverted index.
type Engine struct {
	store *storage.Store
}

func NewEngine(store *storage.Store) *Engine {
	return &Engine{store: store}
}

func (e *Engine) Search(query string, opts Options) ([]Result, error) {
	terms := tokenize(query, opts.CaseSensitive)
	if len(terms) == 0 {
		return []Result{}, nil
	}

	idx, err := e.store.GetIndex()
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, meta := range idx.Sessions {
		result, err := e.scoreSession(meta, terms, opts)
		if err != nil {
			return nil, err
		}
		if result == nil {
			continue
		}
		if opts.MinRelevance > 0 && result.RelevanceScore < opts.MinRelevance {
			continue
		}
		results = append(results, *result)
	}

	switch opts.SortBy {
	case "lastModified":
		sort.Slice(results, func(i, j int) bool {
			return results[i].Session.LastModified > results[j].Session.LastModified
		})
	default:
		sort.Slice(results, func(i, j int) bool {
			return results[i].RelevanceScore > results[j].RelevanceScore
		})
	}

	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func (e *Engine) scoreSession(meta session.Metadata, terms []string, opts Options) (*Result, error) {
	var matches []Match
	metadataHit := false
	filenameHit := false
	contentHit := false

	for _, term := range terms {
		if opts.IncludeMetadata {
			if meta.Title != nil {
				if m, ok := matchField("title", *meta.Title, term, confidenceTitle, opts); ok {
					matches = append(matches, m)
					metadataHit = true
				}
			}
			for _, tag := range meta.Tags {
				if m, ok := matchField("tags", tag, term, confidenceTags, opts); ok {
					matches = append(matches, m)
					metadataHit = true
					break
				}
			}
			if m, ok := matchField("message", meta.Preview, term, confidencePreview, opts); ok {
				matches = append(matches, m)
				metadataHit = true
			}
		}

		if opts.IncludeFilenames {
			for _, file := range meta.ContextFiles {
				if m, ok := matchField("filename", file, term, confidenceFilename, opts); ok {
					matches = append(matches, m)
					filenameHit = true
					break
				}
			}
		}
	}

	if opts.IncludeContent {
		sess, err := e.store.ReadSession(meta.ID)
		if err != nil {
			// A session that cannot be read is simply not searchable;
			// recovery owns surfacing it.
			return finishResult(meta, matches, terms, metadataHit, filenameHit, contentHit), nil
		}
		for _, term := range terms {
			for _, msg := range sess.Messages {
				if m, ok := matchField("message", msg.Content.Flatten(), term, confidenceContent, opts); ok {
					matches = append(matches, m)
					contentHit = true
				}
			}
			if sess.Notes != nil {
				if m, ok := matchField("notes", *sess.Notes, term, confidenceContent, opts); ok {
					matches = append(matches, m)
					contentHit = true
				}
			}
		}
	}

	return finishResult(meta, matches, terms, metadataHit, filenameHit, contentHit), nil
}

func finishResult(meta session.Metadata, matches []Match, terms []string, metadataHit, filenameHit, contentHit bool) *Result {
	if len(matches) == 0 {
		return nil
	}

	sum := 0.0
	for _, m := range matches {
		sum += m.Confidence
	}
	relevance := sum / (2 * float64(len(terms)))
	if relevance > 1 {
		relevance = 1
	}

	return &Result{
		Session:        meta,
		RelevanceScore: relevance,
		Matches:        matches,
		MatchType:      classify(metadataHit, filenameHit, contentHit),
	}
}

func classify(metadataHit, filenameHit, contentHit bool) MatchType {
	kinds := 0
	var single MatchType
	if contentHit {
		kinds++
		single = MatchContent
	}
	if metadataHit {
		kinds++
		single = MatchMetadata
	}
	if filenameHit {
		kinds++
		single = MatchFilename
	}
	if kinds > 1 {
		return MatchMixed
	}
	return single
}

func tokenize(query string, caseSensitive bool) []string {
	fields := strings.Fields(query)
	if caseSensitive {
		return fields
	}
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = strings.ToLower(f)
	}
	return out
}

// matchField locates term in text, returning a highlighted match with a
// bounded context window.
func matchField(matchType, text, term string, confidence float64, opts Options) (Match, bool) {
	haystack := text
	if !opts.CaseSensitive {
		haystack = strings.ToLower(text)
	}

	pos := strings.Index(haystack, term)
	if pos < 0 {
		if !opts.FuzzyMatch {
			return Match{}, false
		}
		fuzzyPos, ok := subsequenceIndex(haystack, term)
		if !ok {
			return Match{}, false
		}
		return Match{
			Type:       matchType,
			Text:       text,
			Context:    window(text, fuzzyPos, len(term)),
			Position:   fuzzyPos,
			Confidence: confidence * 0.7,
		}, true
	}

	highlighted := text[:pos] + "**" + text[pos:pos+len(term)] + "**" + text[pos+len(term):]
	return Match{
		Type:       matchType,
		Text:       highlighted,
		Context:    window(text, pos, len(term)),
		Position:   pos,
		Confidence: confidence,
	}, true
}

// subsequenceIndex reports whether term appears as an in-order character
// subsequence, returning the offset of the first matched character.
func subsequenceIndex(text, term string) (int, bool) {
	if term == "" {
		return 0, false
	}
	start := -1
	ti := 0
	for i := 0; i < len(text) && ti < len(term); i++ {
		if text[i] == term[ti] {
			if start < 0 {
				start = i
			}
			ti++
		}
	}
	if ti == len(term) {
		return start, true
	}
	return 0, false
}

func window(text string, pos, length int) string {
	start := pos - contextWindow
	end := pos + length + contextWindow
	prefix, suffix := "", ""
	if start < 0 {
		start = 0
	} else if start > 0 {
		prefix = "..."
	}
	if end >= len(text) {
		end = len(text)
	} else {
		suffix = "..."
	}
	return fmt.Sprintf("%s%s%s", prefix, text[start:end], suffix)
}
