package export

import (
	"encoding/json"
	"fmt"
	"os"

	kerrors "github.com/kazedev/kiroku/internal/errors"
	"github.com/kazedev/kiroku/internal/session"
	"github.com/kazedev/kiroku/internal/storage"

	"github.com/google/uuid"
)

type ImportOptions struct {
	Strict             bool
	GenerateNewID      bool
	PreserveTimestamps bool
	WorkspaceRoot      string // override, empty = keep
}

type ImportResult struct {
	Session             *session.Session
	NewIDGenerated      bool
	OriginalID          string
	Warnings            []string
	MissingContextFiles []string
}

// Import parses an exported envelope and persists the session. Non-strict
// mode repairs missing fields and warns; strict mode rejects them.
func Import(data []byte, store *storage.Store, opts ImportOptions) (*ImportResult, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, kerrors.CorruptedData(fmt.Sprintf("parse import payload: %v", err))
	}

	result := &ImportResult{}

	if env.Type == "" || env.Version == "" {
		if opts.Strict {
			return nil, kerrors.ValidationFailed("import payload is missing type or version")
		}
		result.Warnings = append(result.Warnings, "import payload is missing type or version, attempting repair")
	}
	if env.Session == nil {
		if env.Metadata != nil {
			return nil, kerrors.ValidationFailed("metadata-only exports cannot be imported as sessions")
		}
		return nil, kerrors.ValidationFailed("import payload has no session")
	}

	sess := cloneSession(env.Session)
	result.OriginalID = sess.ID

	repairWarnings := repairSession(sess, opts.Strict)
	if opts.Strict && len(repairWarnings) > 0 {
		return nil, kerrors.ValidationFailed(fmt.Sprintf("import payload is incomplete: %s", repairWarnings[0]))
	}
	result.Warnings = append(result.Warnings, repairWarnings...)

	switch {
	case opts.GenerateNewID:
		sess.ID = uuid.NewString()
		result.NewIDGenerated = true
	case store.SessionExists(sess.ID):
		if opts.Strict {
			return nil, kerrors.AlreadyExists(fmt.Sprintf("session %s", sess.ID))
		}
		sess.ID = uuid.NewString()
		result.NewIDGenerated = true
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("session %s already exists, imported as %s", result.OriginalID, sess.ID))
	}

	if !opts.PreserveTimestamps {
		now := session.NowMillis()
		sess.Created = now
		sess.LastModified = now
	}
	if opts.WorkspaceRoot != "" {
		sess.WorkspaceRoot = opts.WorkspaceRoot
	}

	for _, file := range sess.ContextFiles {
		if _, err := os.Stat(file); err != nil {
			result.MissingContextFiles = append(result.MissingContextFiles, file)
		}
	}
	if len(result.MissingContextFiles) > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d context files are missing on this machine", len(result.MissingContextFiles)))
	}

	sess.Version = session.CurrentSchemaVersion
	if err := store.WriteSession(sess); err != nil {
		return nil, kerrors.Wrap(err, "persist imported session")
	}

	result.Session = sess
	return result, nil
}

// repairSession fills the defaults an incomplete export needs to pass
// schema validation. Returns a warning per repaired field.
func repairSession(sess *session.Session, strict bool) []string {
	var warnings []string
	now := session.NowMillis()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
		warnings = append(warnings, "missing session id, generated a fresh one")
	} else if err := session.ValidateID(sess.ID); err != nil && !strict {
		sess.ID = uuid.NewString()
		warnings = append(warnings, "invalid session id, generated a fresh one")
	}
	if sess.Version == "" {
		sess.Version = session.CurrentSchemaVersion
		warnings = append(warnings, "missing schema version, assumed current")
	}
	if sess.Model == "" {
		sess.Model = "unknown"
		warnings = append(warnings, "missing model, defaulted to unknown")
	}
	if sess.Created <= 0 {
		sess.Created = now
		warnings = append(warnings, "missing created timestamp, set to now")
	}
	if sess.LastModified < sess.Created {
		sess.LastModified = sess.Created
		warnings = append(warnings, "lastModified preceded created, clamped")
	}
	if sess.FilesAccessed == nil {
		sess.FilesAccessed = []string{}
	}
	if sess.ContextFiles == nil {
		sess.ContextFiles = []string{}
	}
	if sess.Tags == nil {
		sess.Tags = []string{}
	}
	if sess.Messages == nil {
		sess.Messages = []session.Message{}
	}
	for i := range sess.Messages {
		if sess.Messages[i].ID == "" {
			sess.Messages[i].ID = session.NewMessageID()
			warnings = append(warnings, fmt.Sprintf("message %d had no id, generated one", i))
		}
	}
	return warnings
}
