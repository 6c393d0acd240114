package security

import (
	"log/slog"
	"path/filepath"
	"regexp"

	"github.com/kazedev/kiroku/internal/session"
)

const DefaultRedaction = "[REDACTED]"

// defaultPatterns cover the secret shapes commonly pasted into chats:
// API keys, credentials embedded in URLs, env-var references and literal
// password/token/key assignments.
var defaultPatterns = []string{
	`sk-[A-Za-z0-9_\-]{16,}`,
	`\b[A-Za-z0-9]{40,}\b`,
	`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
	`[a-zA-Z][a-zA-Z0-9+.\-]*://[^/\s:@]+:[^/\s:@]+@[^\s]+`,
	`\$\{[A-Za-z_][A-Za-z0-9_]*\}`,
	`(?i)\b(password|token|key)\s*=\s*[^\s,;]+`,
}

var absolutePathPattern = regexp.MustCompile(`(?:/[\w.~\-]+){2,}`)

type SanitizerConfig struct {
	Replacement    string
	CustomPatterns []string
	PreservePaths  bool
}

// Sanitizer redacts sensitive substrings from session text fields.
type Sanitizer struct {
	patterns      []*regexp.Regexp
	replacement   string
	preservePaths bool
}

func NewSanitizer(cfg SanitizerConfig) *Sanitizer {
	replacement := cfg.Replacement
	if replacement == "" {
		replacement = DefaultRedaction
	}

	s := &Sanitizer{
		replacement:   replacement,
		preservePaths: cfg.PreservePaths,
	}
	for _, p := range defaultPatterns {
		s.patterns = append(s.patterns, regexp.MustCompile(p))
	}
	for _, p := range cfg.CustomPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			slog.Warn("Skipping invalid sanitization pattern", "pattern", p, "error", err)
			continue
		}
		s.patterns = append(s.patterns, re)
	}
	return s
}

// SanitizeString applies every pattern, then collapses absolute paths
// unless they are preserved.
func (s *Sanitizer) SanitizeString(text string) string {
	out := text
	for _, re := range s.patterns {
		out = re.ReplaceAllString(out, s.replacement)
	}
	if !s.preservePaths {
		out = absolutePathPattern.ReplaceAllStringFunc(out, CollapsePath)
	}
	return out
}

// CollapsePath shortens an absolute path to .../<parent>/<basename>.
func CollapsePath(path string) string {
	parent := filepath.Base(filepath.Dir(path))
	base := filepath.Base(path)
	if parent == "/" || parent == "." {
		return ".../" + base
	}
	return ".../" + parent + "/" + base
}

// SanitizeValue walks an arbitrary JSON value; strings go through the
// pattern pipeline, other scalars pass through untouched.
func (s *Sanitizer) SanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return s.SanitizeString(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.SanitizeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = s.SanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

// SanitizeSession returns a deep copy with all text fields redacted.
func (s *Sanitizer) SanitizeSession(src *session.Session) *session.Session {
	out := *src
	out.Title = s.sanitizeStringPtr(src.Title)
	out.Notes = s.sanitizeStringPtr(src.Notes)

	out.Messages = make([]session.Message, len(src.Messages))
	for i, m := range src.Messages {
		out.Messages[i] = s.sanitizeMessage(m)
	}
	out.FilesAccessed = append([]string(nil), src.FilesAccessed...)
	out.ContextFiles = append([]string(nil), src.ContextFiles...)
	out.Tags = append([]string(nil), src.Tags...)
	return &out
}

func (s *Sanitizer) sanitizeMessage(m session.Message) session.Message {
	out := m
	if m.Content.IsBlocks {
		blocks := make([]session.ContentBlock, len(m.Content.Blocks))
		for i, b := range m.Content.Blocks {
			blocks[i] = b
			blocks[i].Text = s.SanitizeString(b.Text)
			blocks[i].Content = s.SanitizeString(b.Content)
		}
		out.Content = session.BlockContent(blocks)
	} else {
		out.Content = session.TextContent(s.SanitizeString(m.Content.Text))
	}

	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]session.ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc
			if tc.Arguments != nil {
				out.ToolCalls[i].Arguments = s.SanitizeValue(tc.Arguments).(map[string]any)
			}
		}
	}
	if len(m.ToolResults) > 0 {
		out.ToolResults = make([]session.ToolResult, len(m.ToolResults))
		for i, tr := range m.ToolResults {
			out.ToolResults[i] = tr
			out.ToolResults[i].Content = s.SanitizeString(tr.Content)
		}
	}
	return out
}

// SanitizeMetadata redacts the derived text fields of an index record.
func (s *Sanitizer) SanitizeMetadata(meta session.Metadata) session.Metadata {
	out := meta
	out.Title = s.sanitizeStringPtr(meta.Title)
	out.Preview = s.SanitizeString(meta.Preview)
	out.LastMessage = s.SanitizeString(meta.LastMessage)
	return out
}

func (s *Sanitizer) sanitizeStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	clean := s.SanitizeString(*p)
	return &clean
}

// HasSensitiveData reports whether any pattern matches, without rewriting.
func (s *Sanitizer) HasSensitiveData(text string) bool {
	for _, re := range s.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
