package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nidhogg/standards-retrieval/internal/fsutil"
)

const (
	filePrefix = "ckpt-"
	fileSuffix = ".json"
)

// FileStore keeps one file per checkpoint in a directory. Files are
// written through a temp file and renamed into place.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id ID) (string, error) {
	name := string(id)
	if !strings.HasPrefix(name, filePrefix) || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid checkpoint id %q", id)
	}
	return filepath.Join(s.dir, name+fileSuffix), nil
}

func (s *FileStore) Put(_ context.Context, meta Metadata, envelope []byte) error {
	p, err := s.path(meta.ID)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(p, envelope, 0o644)
}

func (s *FileStore) Get(_ context.Context, id ID) ([]byte, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return data, err
}

// List derives the sequence from the file name so unreadable files are
// still listed; the remaining metadata is read from the envelope header
// when it decodes.
func (s *FileStore) List(_ context.Context) ([]Metadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	var out []Metadata
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || fsutil.IsTemp(name) || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, fileSuffix)
		seqPart, _, _ := strings.Cut(strings.TrimPrefix(id, filePrefix), "-")
		seq, err := strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			continue
		}
		md := Metadata{ID: ID(id), Sequence: seq}
		if hdr, err := readHeader(filepath.Join(s.dir, name)); err == nil {
			md.CreatedAt, md.Reason, md.Hash = hdr.CreatedAt, hdr.Reason, hdr.Hash
		}
		out = append(out, md)
	}
	return out, nil
}

// readHeader decodes the envelope fields ahead of "state" and stops there,
// so the payload itself is never read in full. Envelope marshals State last.
func readHeader(path string) (Metadata, error) {
	var md Metadata
	f, err := os.Open(path)
	if err != nil {
		return md, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return md, fmt.Errorf("%w: %s: not an object", ErrCorrupt, path)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return md, err
		}
		switch tok {
		case "state":
			return md, nil
		case "created_at":
			err = dec.Decode(&md.CreatedAt)
		case "reason":
			err = dec.Decode(&md.Reason)
		case "hash":
			err = dec.Decode(&md.Hash)
		default:
			var skip json.RawMessage
			err = dec.Decode(&skip)
		}
		if err != nil {
			return md, err
		}
	}
	return md, nil
}

func (s *FileStore) Delete(_ context.Context, id ID) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	return nil
}
