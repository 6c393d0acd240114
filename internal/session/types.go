package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// CurrentSchemaVersion is the schema every session is migrated to before use.
const CurrentSchemaVersion = "1.0.0"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

type TokenCount struct {
	Total  int64 `json:"total"`
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments"`
}

type ToolResult struct {
	ToolCallID string `json:"toolCallId,omitempty"`
	Content    string `json:"content"`
}

// ContentBlock is one variant of a structured message body. Types other
// than "text" and "tool_result" pass through untouched.
type ContentBlock struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Content string `json:"content,omitempty"`
}

// MessageContent is either a plain string or an ordered list of blocks.
// The wire form is preserved on round-trip.
type MessageContent struct {
	Text      string
	Blocks    []ContentBlock
	IsBlocks  bool
}

func TextContent(text string) MessageContent {
	return MessageContent{Text: text}
}

func BlockContent(blocks []ContentBlock) MessageContent {
	return MessageContent{Blocks: blocks, IsBlocks: true}
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsBlocks {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		c.Text = text
		c.Blocks = nil
		c.IsBlocks = false
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("message content is neither string nor block list: %w", err)
	}
	c.Text = ""
	c.Blocks = blocks
	c.IsBlocks = true
	return nil
}

// Flatten returns the searchable text of the content.
func (c MessageContent) Flatten() string {
	if !c.IsBlocks {
		return c.Text
	}
	var out string
	for _, b := range c.Blocks {
		switch {
		case b.Text != "":
			if out != "" {
				out += "\n"
			}
			out += b.Text
		case b.Content != "":
			if out != "" {
				out += "\n"
			}
			out += b.Content
		}
	}
	return out
}

type Message struct {
	ID          string         `json:"id"`
	Role        Role           `json:"role"`
	Content     MessageContent `json:"content"`
	Timestamp   int64          `json:"timestamp"`
	ToolCalls   []ToolCall     `json:"toolCalls,omitempty"`
	ToolResults []ToolResult   `json:"toolResults,omitempty"`
}

// Session is the primary entity. All timestamps are epoch-milliseconds.
type Session struct {
	ID            string     `json:"id"`
	Version       string     `json:"version"`
	Created       int64      `json:"created"`
	LastModified  int64      `json:"lastModified"`
	Model         string     `json:"model"`
	Provider      string     `json:"provider,omitempty"`
	WorkspaceRoot string     `json:"workspaceRoot"`
	TokenCount    TokenCount `json:"tokenCount"`
	FilesAccessed []string   `json:"filesAccessed"`
	Messages      []Message  `json:"messages"`
	ContextFiles  []string   `json:"contextFiles"`
	Tags          []string   `json:"tags"`
	Title         *string    `json:"title"`
	Notes         *string    `json:"notes"`
}

// Metadata is the index record derived from a session. The session file is
// authoritative when the two diverge.
type Metadata struct {
	ID            string     `json:"id"`
	Created       int64      `json:"created"`
	LastModified  int64      `json:"lastModified"`
	Model         string     `json:"model"`
	MessageCount  int        `json:"messageCount"`
	TokenCount    TokenCount `json:"tokenCount"`
	WorkspaceRoot string     `json:"workspaceRoot"`
	ContextFiles  []string   `json:"contextFiles"`
	Tags          []string   `json:"tags"`
	Title         *string    `json:"title"`
	Preview       string     `json:"preview"`
	LastMessage   string     `json:"lastMessage"`
}

type Index struct {
	Version     string              `json:"version"`
	LastUpdated int64               `json:"lastUpdated"`
	Sessions    map[string]Metadata `json:"sessions"`
}

func NewIndex() *Index {
	return &Index{
		Version:     CurrentSchemaVersion,
		LastUpdated: NowMillis(),
		Sessions:    make(map[string]Metadata),
	}
}

// Envelope is the on-disk wrapper. Data holds the session object directly,
// or a base64 gzip blob when Compressed is set. Checksum covers the
// uncompressed session JSON.
type Envelope struct {
	Version    string          `json:"version"`
	Compressed bool            `json:"compressed"`
	Checksum   string          `json:"checksum,omitempty"`
	Data       json.RawMessage `json:"data"`
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewMessageID allocates a message ID unique within any session.
func NewMessageID() string {
	return ulid.Make().String()
}
