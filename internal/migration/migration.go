package migration

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	kerrors "github.com/kazedev/kiroku/internal/errors"
	"github.com/kazedev/kiroku/internal/fsutil"
	"github.com/kazedev/kiroku/internal/session"
)

// Chain is the declared linear sequence of schema versions, oldest first.
// The engine supports migrating from at most the three versions preceding
// the current one.
var Chain = []string{"0.7.0", "0.8.0", "0.9.0", session.CurrentSchemaVersion}

type ErrorType string

const (
	ErrUnsupportedVersion ErrorType = "UNSUPPORTED_VERSION"
	ErrNoMigrationPath    ErrorType = "NO_MIGRATION_PATH"
	ErrMigrationFailed    ErrorType = "MIGRATION_FAILED"
	ErrValidationFailed   ErrorType = "VALIDATION_FAILED"
	ErrBackupFailed       ErrorType = "BACKUP_FAILED"
	ErrRollbackFailed     ErrorType = "ROLLBACK_FAILED"
	ErrCorruptedData      ErrorType = "CORRUPTED_DATA"
)

// Step maps a session object from one schema version to the next.
type Step struct {
	From        string
	To          string
	Description string
	Reversible  bool
	Apply       func(raw map[string]any) (map[string]any, error)
	Validate    func(raw map[string]any) error
}

// Result reports the outcome of a migration attempt, including whether a
// rollback to the pre-migration backup is still possible.
type Result struct {
	Migrated         bool
	FromVersion      string
	ToVersion        string
	StepsApplied     []string
	BackupPath       string
	RollbackPossible bool
	ErrorType        ErrorType
	Err              error
}

type Framework struct {
	dir           string
	steps         map[string]Step
	workspaceRoot func() string
}

// New registers the built-in chain and self-validates it: the chain must
// cover exactly the supported versions, end at the current schema, and have
// every adjacent step registered.
func New(dir string, workspaceRoot func() string) (*Framework, error) {
	if workspaceRoot == nil {
		workspaceRoot = func() string {
			wd, err := os.Getwd()
			if err != nil {
				return "."
			}
			return wd
		}
	}

	f := &Framework{
		dir:           dir,
		steps:         make(map[string]Step),
		workspaceRoot: workspaceRoot,
	}
	f.registerBuiltins()

	if err := f.selfValidate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Framework) selfValidate() error {
	if len(Chain) != 4 {
		return fmt.Errorf("migration chain must cover 4 versions, has %d", len(Chain))
	}
	if Chain[len(Chain)-1] != session.CurrentSchemaVersion {
		return fmt.Errorf("migration chain ends at %s, want %s", Chain[len(Chain)-1], session.CurrentSchemaVersion)
	}
	for i := 0; i < len(Chain)-1; i++ {
		step, ok := f.steps[Chain[i]]
		if !ok {
			return fmt.Errorf("no migration registered from %s", Chain[i])
		}
		if step.To != Chain[i+1] {
			return fmt.Errorf("migration from %s targets %s, want %s", Chain[i], step.To, Chain[i+1])
		}
	}
	return nil
}

// GetDataVersion returns the embedded schema version, defaulting to the
// oldest supported version when absent.
func (f *Framework) GetDataVersion(raw map[string]any) string {
	if v, ok := raw["version"].(string); ok && v != "" {
		return v
	}
	return Chain[0]
}

func (f *Framework) NeedsMigration(raw map[string]any) bool {
	return f.GetDataVersion(raw) != session.CurrentSchemaVersion
}

func chainIndex(version string) int {
	for i, v := range Chain {
		if v == version {
			return i
		}
	}
	return -1
}

// MigrateSession walks the chain from the data's version to the current
// schema. rawJSON is the original serialized session, preserved verbatim in
// a timestamped backup before the first step runs.
func (f *Framework) MigrateSession(id string, rawJSON []byte) (*session.Session, Result) {
	res := Result{ToVersion: session.CurrentSchemaVersion}

	var raw map[string]any
	if err := json.Unmarshal(rawJSON, &raw); err != nil {
		res.ErrorType = ErrCorruptedData
		res.Err = kerrors.CorruptedData(fmt.Sprintf("parse session %s for migration: %v", id, err))
		return nil, res
	}

	from := f.GetDataVersion(raw)
	res.FromVersion = from

	fromIdx := chainIndex(from)
	toIdx := chainIndex(session.CurrentSchemaVersion)
	if fromIdx < 0 {
		res.ErrorType = ErrUnsupportedVersion
		res.Err = fmt.Errorf("session %s has unsupported schema version %s: %w", id, from, kerrors.ErrMigrationFailed)
		return nil, res
	}
	if fromIdx > toIdx {
		res.ErrorType = ErrNoMigrationPath
		res.Err = fmt.Errorf("no migration path from %s to %s for session %s (downgrades are unsupported): %w",
			from, session.CurrentSchemaVersion, id, kerrors.ErrMigrationFailed)
		return nil, res
	}

	res.BackupPath = filepath.Join(f.dir, fmt.Sprintf("%s.migration-backup.%d.json", id, session.NowMillis()))
	res.RollbackPossible = true
	if err := fsutil.AtomicWriteFile(res.BackupPath, rawJSON, fsutil.WriteOptions{}); err != nil {
		// Continue without a rollback point rather than refusing the upgrade.
		slog.Warn("Migration backup failed, rollback will be impossible", "session", id, "error", err)
		res.BackupPath = ""
		res.RollbackPossible = false
	}

	for i := fromIdx; i < toIdx; i++ {
		step := f.steps[Chain[i]]
		migrated, err := step.Apply(raw)
		if err != nil {
			res.ErrorType = ErrMigrationFailed
			res.Err = fmt.Errorf("migration %s -> %s for session %s: %v: %w", step.From, step.To, id, err, kerrors.ErrMigrationFailed)
			return nil, res
		}
		migrated["version"] = step.To
		if step.Validate != nil {
			if err := step.Validate(migrated); err != nil {
				res.ErrorType = ErrValidationFailed
				res.Err = fmt.Errorf("validation after %s -> %s for session %s: %v: %w", step.From, step.To, id, err, kerrors.ErrMigrationFailed)
				return nil, res
			}
		}
		raw = migrated
		res.StepsApplied = append(res.StepsApplied, fmt.Sprintf("%s->%s", step.From, step.To))
	}

	final, err := json.Marshal(raw)
	if err != nil {
		res.ErrorType = ErrMigrationFailed
		res.Err = fmt.Errorf("serialize migrated session %s: %v: %w", id, err, kerrors.ErrMigrationFailed)
		return nil, res
	}
	var sess session.Session
	if err := json.Unmarshal(final, &sess); err != nil {
		res.ErrorType = ErrValidationFailed
		res.Err = fmt.Errorf("migrated session %s does not fit the current schema: %v: %w", id, err, kerrors.ErrMigrationFailed)
		return nil, res
	}
	if err := session.Validate(&sess); err != nil {
		res.ErrorType = ErrValidationFailed
		res.Err = fmt.Errorf("migrated session %s failed schema validation: %v: %w", id, err, kerrors.ErrMigrationFailed)
		return nil, res
	}

	res.Migrated = true
	slog.Info("Session migrated", "session", id, "from", from, "to", session.CurrentSchemaVersion, "steps", len(res.StepsApplied))
	return &sess, res
}

// RollbackMigration atomically replaces the session file with the backup
// written before migration started.
func (f *Framework) RollbackMigration(id, backupPath string) error {
	if backupPath == "" || !fsutil.FileExists(backupPath) {
		return fmt.Errorf("no migration backup for session %s: %w", id, kerrors.ErrMigrationFailed)
	}
	data, err := fsutil.SafeReadFile(backupPath, fsutil.ReadOptions{})
	if err != nil {
		return kerrors.Wrap(err, fmt.Sprintf("read migration backup for session %s", id))
	}
	target := filepath.Join(f.dir, id+".json")
	if err := fsutil.AtomicWriteFile(target, data, fsutil.WriteOptions{}); err != nil {
		return kerrors.Wrap(err, fmt.Sprintf("restore session %s from migration backup", id))
	}
	slog.Info("Migration rolled back", "session", id, "backup", backupPath)
	return nil
}
