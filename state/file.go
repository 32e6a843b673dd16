package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/NFG-Linux/twitch-notifier/apperr"
)

// FileStore keeps the record in a JSON file using the legacy state.json keys.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore { return &FileStore{Path: path} }

type fileState struct {
	WasLive     bool        `json:"was_live"`
	LastToken   string      `json:"last_token"`
	TokenExpiry json.Number `json:"token_expiry"`
}

// Load reads the file. A missing or empty file yields Default().
func (f *FileStore) Load(_ context.Context) (State, error) {
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return State{}, apperr.New(apperr.KindState, "read "+f.Path, err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return Default(), nil
	}
	var fsx fileState
	if err := json.Unmarshal(b, &fsx); err != nil {
		return State{}, apperr.New(apperr.KindState, "parse "+f.Path, err)
	}
	st := State{WasLive: fsx.WasLive, LastToken: fsx.LastToken}
	if fsx.TokenExpiry != "" {
		// older files store a float from time.time()
		exp, err := fsx.TokenExpiry.Float64()
		if err != nil {
			return State{}, apperr.New(apperr.KindState, "parse "+f.Path, fmt.Errorf("token_expiry: %w", err))
		}
		st.TokenExpiry = int64(exp)
	}
	return st, nil
}

// Save writes the record to a temp file in the same directory and renames it
// over Path, so a crash never leaves a truncated file behind.
func (f *FileStore) Save(_ context.Context, st State) error {
	b, err := json.Marshal(fileState{
		WasLive:     st.WasLive,
		LastToken:   st.LastToken,
		TokenExpiry: json.Number(fmt.Sprintf("%d", st.TokenExpiry)),
	})
	if err != nil {
		return apperr.New(apperr.KindState, "encode state", err)
	}
	if err := writeAtomic(f.Path, b); err != nil {
		return apperr.New(apperr.KindState, "write "+f.Path, err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// the file may hold a bearer token
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
