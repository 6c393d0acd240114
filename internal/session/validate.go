package session

import (
	"fmt"
	"log/slog"

	kerrors "github.com/kazedev/kiroku/internal/errors"

	"github.com/google/uuid"
)

// ValidateID checks that id is a UUIDv4 string.
func ValidateID(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return kerrors.ValidationFailed(fmt.Sprintf("session id %q is not a valid UUID", id))
	}
	if parsed.Version() != 4 {
		return kerrors.ValidationFailed(fmt.Sprintf("session id %q is not UUIDv4", id))
	}
	return nil
}

// Validate checks a session against the current schema and its invariants.
func Validate(s *Session) error {
	if s == nil {
		return kerrors.ValidationFailed("session is nil")
	}
	if err := ValidateID(s.ID); err != nil {
		return err
	}
	if s.Version == "" {
		return kerrors.ValidationFailed("session version is empty")
	}
	if s.Model == "" {
		return kerrors.ValidationFailed("session model is empty")
	}
	if s.Created <= 0 {
		return kerrors.ValidationFailed("session created timestamp is missing")
	}
	if s.LastModified < s.Created {
		return kerrors.ValidationFailed(fmt.Sprintf("lastModified %d precedes created %d", s.LastModified, s.Created))
	}
	if s.TokenCount.Total < 0 || s.TokenCount.Input < 0 || s.TokenCount.Output < 0 {
		return kerrors.ValidationFailed("token counts must not be negative")
	}
	if s.TokenCount.Total < s.TokenCount.Input+s.TokenCount.Output {
		// Soft invariant only.
		slog.Warn("Token total below input+output",
			"session", s.ID,
			"total", s.TokenCount.Total,
			"input", s.TokenCount.Input,
			"output", s.TokenCount.Output,
		)
	}
	for i, m := range s.Messages {
		if m.ID == "" {
			return kerrors.ValidationFailed(fmt.Sprintf("message %d has no id", i))
		}
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		default:
			return kerrors.ValidationFailed(fmt.Sprintf("message %s has unknown role %q", m.ID, m.Role))
		}
	}
	return nil
}
