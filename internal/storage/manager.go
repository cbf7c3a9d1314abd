package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robot-viewer/backend/internal/fileset"
	"github.com/robot-viewer/backend/internal/models"
)

var (
	// ErrNotFound is returned for unknown file sets and files.
	ErrNotFound = errors.New("file set not found")
	// ErrInvalidPath is returned for relative paths escaping the set.
	ErrInvalidPath = errors.New("invalid relative path")
)

const chunksDir = "chunks"

// Store defines the interface for file set storage.
type Store interface {
	CreateSet(name string) (*models.FileSetInfo, error)
	AddFile(setID, relPath string, r io.Reader) (*models.FileInfo, error)
	ExpandArchive(setID, relPath string) (*models.FileSetInfo, error)
	Get(setID string) (*models.FileSetInfo, error)
	FileSet(setID string) (*fileset.FileSet, error)
	List(limit int) ([]*models.FileSetInfo, error)
	Delete(setID string) error
	Rename(setID string, newName string) (*models.FileSetInfo, error)
	GetFilePath(setID, relPath string) (string, error)
	SaveChunk(uploadID string, chunkIndex int, r io.Reader) error
	CompleteChunkedUpload(uploadID, setID, relPath string, totalChunks int) (*models.FileInfo, error)
}

// LocalStore implements Store using the local filesystem. Every file set is
// a uuid-named directory below dataDir.
type LocalStore struct {
	mu      sync.RWMutex
	dataDir string
	sets    map[string]*models.FileSetInfo
}

// NewLocalStore creates a new LocalStore and picks up file sets left by a
// previous run.
func NewLocalStore(dataDir string) (*LocalStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	s := &LocalStore{
		dataDir: dataDir,
		sets:    make(map[string]*models.FileSetInfo),
	}
	if err := s.scanExisting(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LocalStore) scanExisting() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("scanning upload directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == chunksDir {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		info := &models.FileSetInfo{ID: e.Name(), Name: e.Name(), Files: []string{}}
		if st, err := e.Info(); err == nil {
			info.UploadedAt = st.ModTime()
		}
		if err := s.refresh(info); err != nil {
			return err
		}
		s.sets[info.ID] = info
	}
	return nil
}

// refresh recomputes the file list and total size from disk.
func (s *LocalStore) refresh(info *models.FileSetInfo) error {
	dir := filepath.Join(s.dataDir, info.ID)
	info.Files = []string{}
	info.TotalSize = 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		st, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info.Files = append(info.Files, filepath.ToSlash(rel))
		info.TotalSize += st.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing file set %s: %w", info.ID, err)
	}
	sort.Strings(info.Files)
	return nil
}

// CreateSet creates an empty file set.
func (s *LocalStore) CreateSet(name string) (*models.FileSetInfo, error) {
	id := uuid.New().String()
	if err := os.MkdirAll(filepath.Join(s.dataDir, id), 0755); err != nil {
		return nil, fmt.Errorf("creating file set: %w", err)
	}
	info := &models.FileSetInfo{
		ID:         id,
		Name:       name,
		Files:      []string{},
		UploadedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[id] = info

	copied := *info
	return &copied, nil
}

// resolvePath maps relPath inside set setID onto the filesystem.
func (s *LocalStore) resolvePath(setID, relPath string) (string, string, error) {
	key := fileset.CleanKey(relPath)
	if key == "" || key == "." || key == ".." || strings.HasPrefix(key, "../") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}
	return filepath.Join(s.dataDir, setID, filepath.FromSlash(key)), key, nil
}

// AddFile stores r at relPath inside the set, replacing any existing file.
func (s *LocalStore) AddFile(setID, relPath string, r io.Reader) (*models.FileInfo, error) {
	if _, err := s.Get(setID); err != nil {
		return nil, err
	}
	path, key, err := s.resolvePath(setID, relPath)
	if err != nil {
		return nil, err
	}
	size, err := writeFile(path, r)
	if err != nil {
		return nil, err
	}

	s.register(setID, key, size)
	return &models.FileInfo{
		ID:         setID,
		Name:       key,
		Size:       size,
		UploadedAt: time.Now(),
		Status:     "uploaded",
	}, nil
}

func writeFile(path string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("creating directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("writing file: %w", err)
	}
	return size, nil
}

// register adds key to the set listing, or updates its size.
func (s *LocalStore) register(setID, key string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.sets[setID]
	if !ok {
		return
	}
	i := sort.SearchStrings(info.Files, key)
	if i < len(info.Files) && info.Files[i] == key {
		_ = s.refresh(info)
		return
	}
	files := make([]string, 0, len(info.Files)+1)
	files = append(files, info.Files[:i]...)
	files = append(files, key)
	info.Files = append(files, info.Files[i:]...)
	info.TotalSize += size
}

// RegisterFile re-reads the listing of a set after a file changed in place.
func (s *LocalStore) RegisterFile(setID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.sets[setID]; ok {
		_ = s.refresh(info)
	}
}

// ExpandArchive extracts the zip archive at relPath into its directory and
// removes the archive. Members escaping the set are skipped.
func (s *LocalStore) ExpandArchive(setID, relPath string) (*models.FileSetInfo, error) {
	archivePath, key, err := s.GetFilePathKey(setID, relPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	members, err := fileset.FromZip(f, st.Size())
	if err != nil {
		f.Close()
		return nil, err
	}

	base := fileset.Dir(key)
	for _, p := range members.Paths() {
		if p == ".." || strings.HasPrefix(p, "../") {
			continue
		}
		h, _ := members.Get(p)
		dst, _, err := s.resolvePath(setID, base+p)
		if err != nil {
			continue
		}
		rc, err := h.Open()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		_, err = writeFile(dst, rc)
		rc.Close()
		if err != nil {
			f.Close()
			return nil, err
		}
	}
	f.Close()

	if err := os.Remove(archivePath); err != nil {
		return nil, fmt.Errorf("removing archive: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.sets[setID]
	if info == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, setID)
	}
	if err := s.refresh(info); err != nil {
		return nil, err
	}
	copied := *info
	return &copied, nil
}

// Get retrieves file set metadata by ID.
func (s *LocalStore) Get(setID string) (*models.FileSetInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.sets[setID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, setID)
	}
	copied := *info
	copied.Files = append([]string(nil), info.Files...)
	return &copied, nil
}

// FileSet opens the set as a fileset.FileSet.
func (s *LocalStore) FileSet(setID string) (*fileset.FileSet, error) {
	if _, err := s.Get(setID); err != nil {
		return nil, err
	}
	return fileset.FromDirectory(filepath.Join(s.dataDir, setID))
}

// List returns the most recent file sets.
func (s *LocalStore) List(limit int) ([]*models.FileSetInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*models.FileSetInfo, 0, len(s.sets))
	for _, info := range s.sets {
		copied := *info
		copied.Files = append([]string(nil), info.Files...)
		list = append(list, &copied)
	}

	// Sort by UploadedAt desc
	sort.Slice(list, func(i, j int) bool {
		return list[i].UploadedAt.After(list[j].UploadedAt)
	})

	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}

	return list, nil
}

// Delete removes a file set and its files.
func (s *LocalStore) Delete(setID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sets[setID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, setID)
	}
	if err := os.RemoveAll(filepath.Join(s.dataDir, setID)); err != nil {
		return fmt.Errorf("deleting file set: %w", err)
	}
	delete(s.sets, setID)
	return nil
}

// Rename updates the display name of a file set.
func (s *LocalStore) Rename(setID string, newName string) (*models.FileSetInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.sets[setID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, setID)
	}
	info.Name = newName
	copied := *info
	return &copied, nil
}

// GetFilePath returns the absolute path of an existing file in a set.
func (s *LocalStore) GetFilePath(setID, relPath string) (string, error) {
	p, _, err := s.GetFilePathKey(setID, relPath)
	return p, err
}

// GetFilePathKey is GetFilePath also returning the canonical key.
func (s *LocalStore) GetFilePathKey(setID, relPath string) (string, string, error) {
	if _, err := s.Get(setID); err != nil {
		return "", "", err
	}
	p, key, err := s.resolvePath(setID, relPath)
	if err != nil {
		return "", "", err
	}
	if _, err := os.Stat(p); err != nil {
		return "", "", fmt.Errorf("%w: %s/%s", ErrNotFound, setID, key)
	}
	return p, key, nil
}

// SaveChunk saves a single chunk to a temporary location.
func (s *LocalStore) SaveChunk(uploadID string, chunkIndex int, r io.Reader) error {
	if uploadID == "" || strings.ContainsAny(uploadID, `/\`) || strings.Contains(uploadID, "..") {
		return fmt.Errorf("%w: upload id %q", ErrInvalidPath, uploadID)
	}
	chunkDir := filepath.Join(s.dataDir, chunksDir, uploadID)
	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		return fmt.Errorf("creating chunk directory: %w", err)
	}

	path := filepath.Join(chunkDir, fmt.Sprintf("chunk_%d", chunkIndex))
	if _, err := writeFile(path, r); err != nil {
		return fmt.Errorf("writing chunk: %w", err)
	}
	return nil
}

// CompleteChunkedUpload assembles all chunks into relPath of the set.
func (s *LocalStore) CompleteChunkedUpload(uploadID, setID, relPath string, totalChunks int) (*models.FileInfo, error) {
	if _, err := s.Get(setID); err != nil {
		return nil, err
	}
	finalPath, key, err := s.resolvePath(setID, relPath)
	if err != nil {
		return nil, err
	}
	chunkDir := filepath.Join(s.dataDir, chunksDir, uploadID)

	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}
	out, err := os.Create(finalPath)
	if err != nil {
		return nil, fmt.Errorf("creating final file: %w", err)
	}
	defer out.Close()

	var totalSize int64
	for i := 0; i < totalChunks; i++ {
		chunkPath := filepath.Join(chunkDir, fmt.Sprintf("chunk_%d", i))
		in, err := os.Open(chunkPath)
		if err != nil {
			return nil, fmt.Errorf("opening chunk %d: %w", i, err)
		}

		n, err := io.Copy(out, in)
		in.Close()
		if err != nil {
			return nil, fmt.Errorf("copying chunk %d: %w", i, err)
		}
		totalSize += n
	}

	s.register(setID, key, totalSize)

	// Cleanup chunks
	os.RemoveAll(chunkDir)

	return &models.FileInfo{
		ID:         setID,
		Name:       key,
		Size:       totalSize,
		UploadedAt: time.Now(),
		Status:     "uploaded",
	}, nil
}

// IsArchive reports whether relPath is a dropped zip archive. A .usdz is a
// document and stays packed.
func IsArchive(relPath string) bool {
	return fileset.Ext(relPath) == ".zip"
}

var _ Store = (*LocalStore)(nil)

// zipMagic is the local file header signature of a zip archive.
var zipMagic = []byte("PK\x03\x04")

// LooksLikeZip reports whether head starts with a zip signature.
func LooksLikeZip(head []byte) bool {
	return len(head) >= len(zipMagic) && string(head[:len(zipMagic)]) == string(zipMagic)
}
