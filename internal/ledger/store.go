package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/3cpo-dev/bpsync/pkg/api"
)

// Store persists a ledger.
type Store interface {
	// Load reads the persisted ledger. A missing ledger yields an empty one;
	// unreadable state yields *api.CorruptLedgerError.
	Load(ctx context.Context) (*Ledger, error)
	// Save replaces the persisted ledger atomically.
	Save(ctx context.Context, l *Ledger) error
	Path() string
	Close() error
}

// Open picks a backend from the path: .db, .sqlite and .sqlite3 files use
// SQLite, everything else the JSON file store.
func Open(path string) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &api.ConfigError{Field: "ledger", Message: "path is required"}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return NewSQLiteStore(path)
	}
	return NewFileStore(path), nil
}

const fileVersion = 1

type fileLedger struct {
	Version int    `json:"version"`
	Tasks   []Task `json:"tasks"`
}

// FileStore keeps the ledger as a JSON document written by temp file + rename.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Load(ctx context.Context) (*Ledger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	l, err := decodeFile(data)
	if err != nil {
		return nil, &api.CorruptLedgerError{Path: s.path, Err: err}
	}
	return l, nil
}

func decodeFile(data []byte) (*Ledger, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var doc fileLedger
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("invalid JSON: trailing content")
	}
	if doc.Version != fileVersion {
		return nil, fmt.Errorf("unsupported ledger version %d", doc.Version)
	}
	return FromTasks(doc.Tasks)
}

func (s *FileStore) Save(ctx context.Context, l *Ledger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := fileLedger{Version: fileVersion, Tasks: l.Tasks()}
	if doc.Tasks == nil {
		doc.Tasks = []Task{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := WriteFileAtomic(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// WriteFileAtomic writes data next to path and renames it into place, syncing
// the file and its directory so a crash leaves either the old or the new file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
