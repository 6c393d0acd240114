package session

const (
	previewMaxChars     = 100
	lastMessageMaxChars = 50
)

// DeriveMetadata builds the index record for a session.
func DeriveMetadata(s *Session) Metadata {
	return Metadata{
		ID:            s.ID,
		Created:       s.Created,
		LastModified:  s.LastModified,
		Model:         s.Model,
		MessageCount:  len(s.Messages),
		TokenCount:    s.TokenCount,
		WorkspaceRoot: s.WorkspaceRoot,
		ContextFiles:  append([]string(nil), s.ContextFiles...),
		Tags:          append([]string(nil), s.Tags...),
		Title:         s.Title,
		Preview:       Truncate(firstUserText(s), previewMaxChars),
		LastMessage:   Truncate(lastMessageText(s), lastMessageMaxChars),
	}
}

func firstUserText(s *Session) string {
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			return m.Content.Flatten()
		}
	}
	return ""
}

func lastMessageText(s *Session) string {
	if len(s.Messages) == 0 {
		return ""
	}
	return s.Messages[len(s.Messages)-1].Content.Flatten()
}

// Truncate cuts text to max runes.
func Truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}
