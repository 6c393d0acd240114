package export

import (
	"encoding/json"
	"fmt"

	kerrors "github.com/kazedev/kiroku/internal/errors"
	"github.com/kazedev/kiroku/internal/security"
	"github.com/kazedev/kiroku/internal/session"
)

type Format string

const (
	FormatJSON        Format = "json"
	FormatJSONPretty  Format = "json-pretty"
	FormatJSONCompact Format = "json-compact"
)

const (
	TypeSessionFull     = "session-full"
	TypeSessionMetadata = "session-metadata"

	ContentRemoved       = "[Content removed]"
	WorkspacePathRemoved = "[Workspace path removed]"
)

type Options struct {
	Format                     Format
	Sanitize                   bool
	IncludeContent             bool
	MetadataOnly               bool
	CustomSanitizationPatterns []string
	PreserveWorkspacePaths     bool
}

func DefaultOptions() Options {
	return Options{
		Format:         FormatJSONPretty,
		Sanitize:       true,
		IncludeContent: true,
	}
}

// Envelope is the export wire format. Given identical (session, options),
// two exports differ only in the Exported stamp.
type Envelope struct {
	Type              string            `json:"type"`
	Version           string            `json:"version"`
	Exported          int64             `json:"exported"`
	OriginalWorkspace string            `json:"originalWorkspace"`
	Session           *session.Session  `json:"session,omitempty"`
	Metadata          *session.Metadata `json:"metadata,omitempty"`
}

// Export serializes a session (or just its metadata) for sharing.
// Content stripping happens before sanitization so removed bodies never
// reach the pattern pipeline.
func Export(src *session.Session, opts Options) ([]byte, error) {
	if src == nil {
		return nil, kerrors.ValidationFailed("export source session is nil")
	}

	env := Envelope{
		Version:           session.CurrentSchemaVersion,
		Exported:          session.NowMillis(),
		OriginalWorkspace: src.WorkspaceRoot,
	}

	sanitizer := security.NewSanitizer(security.SanitizerConfig{
		CustomPatterns: opts.CustomSanitizationPatterns,
		PreservePaths:  opts.PreserveWorkspacePaths,
	})

	if opts.MetadataOnly {
		env.Type = TypeSessionMetadata
		meta := session.DeriveMetadata(src)
		if opts.Sanitize {
			meta = sanitizer.SanitizeMetadata(meta)
		}
		env.Metadata = &meta
	} else {
		env.Type = TypeSessionFull
		out := cloneSession(src)
		if !opts.IncludeContent {
			stripContent(out)
		}
		if opts.Sanitize {
			out = sanitizer.SanitizeSession(out)
		}
		env.Session = out
	}

	if opts.Sanitize && !opts.PreserveWorkspacePaths {
		env.OriginalWorkspace = WorkspacePathRemoved
		if env.Session != nil {
			env.Session.WorkspaceRoot = WorkspacePathRemoved
		}
		if env.Metadata != nil {
			env.Metadata.WorkspaceRoot = WorkspacePathRemoved
		}
	}

	switch opts.Format {
	case FormatJSONPretty:
		return json.MarshalIndent(env, "", "  ")
	case FormatJSON, FormatJSONCompact, "":
		return json.Marshal(env)
	default:
		return nil, kerrors.ConfigInvalid(fmt.Sprintf("unknown export format %q", opts.Format))
	}
}

func cloneSession(src *session.Session) *session.Session {
	out := *src
	out.Messages = make([]session.Message, len(src.Messages))
	for i, m := range src.Messages {
		out.Messages[i] = m
		out.Messages[i].Content.Blocks = append([]session.ContentBlock(nil), m.Content.Blocks...)
		out.Messages[i].ToolCalls = append([]session.ToolCall(nil), m.ToolCalls...)
		out.Messages[i].ToolResults = append([]session.ToolResult(nil), m.ToolResults...)
	}
	out.FilesAccessed = append([]string(nil), src.FilesAccessed...)
	out.ContextFiles = append([]string(nil), src.ContextFiles...)
	out.Tags = append([]string(nil), src.Tags...)
	return &out
}

func stripContent(sess *session.Session) {
	for i, m := range sess.Messages {
		if m.Content.IsBlocks {
			blocks := make([]session.ContentBlock, len(m.Content.Blocks))
			for j, b := range m.Content.Blocks {
				blocks[j] = b
				if b.Text != "" {
					blocks[j].Text = ContentRemoved
				}
				if b.Content != "" {
					blocks[j].Content = ContentRemoved
				}
			}
			sess.Messages[i].Content = session.BlockContent(blocks)
		} else {
			sess.Messages[i].Content = session.TextContent(ContentRemoved)
		}
		for j := range m.ToolResults {
			sess.Messages[i].ToolResults[j].Content = ContentRemoved
		}
	}
}
