// mock_storage.go - Mock storage implementation for testing
package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robot-viewer/backend/internal/fileset"
	"github.com/robot-viewer/backend/internal/models"
	"github.com/robot-viewer/backend/internal/storage"
)

// MockStorage implements storage.Store in memory for testing
type MockStorage struct {
	sets   map[string]*models.FileSetInfo
	data   map[string]map[string][]byte // setID -> path -> content
	chunks map[string]map[int][]byte    // uploadID -> chunkIndex -> data
	mu     sync.RWMutex
}

// NewMockStorage creates an empty mock storage
func NewMockStorage() *MockStorage {
	return &MockStorage{
		sets:   make(map[string]*models.FileSetInfo),
		data:   make(map[string]map[string][]byte),
		chunks: make(map[string]map[int][]byte),
	}
}

func (m *MockStorage) CreateSet(name string) (*models.FileSetInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := generateTestID()
	info := &models.FileSetInfo{ID: id, Name: name, Files: []string{}, UploadedAt: time.Now()}
	m.sets[id] = info
	m.data[id] = make(map[string][]byte)
	copied := *info
	return &copied, nil
}

func (m *MockStorage) AddFile(setID, relPath string, r io.Reader) (*models.FileInfo, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return m.put(setID, relPath, content)
}

func (m *MockStorage) put(setID, relPath string, content []byte) (*models.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	files, ok := m.data[setID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, setID)
	}
	key := fileset.CleanKey(relPath)
	if key == "" || key == ".." || strings.HasPrefix(key, "../") {
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidPath, relPath)
	}
	files[key] = content
	m.relist(setID)
	return &models.FileInfo{ID: setID, Name: key, Size: int64(len(content)), UploadedAt: time.Now(), Status: "uploaded"}, nil
}

func (m *MockStorage) relist(setID string) {
	info := m.sets[setID]
	info.Files = info.Files[:0:0]
	info.TotalSize = 0
	for p, content := range m.data[setID] {
		info.Files = append(info.Files, p)
		info.TotalSize += int64(len(content))
	}
	sort.Strings(info.Files)
}

func (m *MockStorage) ExpandArchive(setID, relPath string) (*models.FileSetInfo, error) {
	m.mu.RLock()
	content, ok := m.data[setID][fileset.CleanKey(relPath)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, setID, relPath)
	}
	members, err := fileset.FromZip(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, err
	}
	base := fileset.Dir(fileset.CleanKey(relPath))
	for _, p := range members.Paths() {
		if strings.HasPrefix(p, "../") {
			continue
		}
		h, _ := members.Get(p)
		b, err := fileset.ReadAll(h)
		if err != nil {
			return nil, err
		}
		if _, err := m.put(setID, base+p, b); err != nil && !errors.Is(err, storage.ErrInvalidPath) {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[setID], fileset.CleanKey(relPath))
	m.relist(setID)
	copied := *m.sets[setID]
	return &copied, nil
}

func (m *MockStorage) Get(setID string) (*models.FileSetInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.sets[setID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, setID)
	}
	copied := *info
	copied.Files = append([]string(nil), info.Files...)
	return &copied, nil
}

func (m *MockStorage) FileSet(setID string) (*fileset.FileSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	files, ok := m.data[setID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, setID)
	}
	copied := make(map[string][]byte, len(files))
	for k, v := range files {
		copied[k] = v
	}
	return fileset.FromMap(copied), nil
}

func (m *MockStorage) List(limit int) ([]*models.FileSetInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var list []*models.FileSetInfo
	for _, info := range m.sets {
		copied := *info
		list = append(list, &copied)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UploadedAt.After(list[j].UploadedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *MockStorage) Delete(setID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sets[setID]; !exists {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, setID)
	}
	delete(m.sets, setID)
	delete(m.data, setID)
	return nil
}

func (m *MockStorage) Rename(setID string, newName string) (*models.FileSetInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.sets[setID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, setID)
	}
	info.Name = newName
	copied := *info
	return &copied, nil
}

func (m *MockStorage) GetFilePath(setID, relPath string) (string, error) {
	return "/mock/path/" + setID + "/" + fileset.CleanKey(relPath), nil
}

func (m *MockStorage) SaveChunk(uploadID string, chunkIndex int, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chunks[uploadID] == nil {
		m.chunks[uploadID] = make(map[int][]byte)
	}
	m.chunks[uploadID][chunkIndex] = data
	return nil
}

func (m *MockStorage) CompleteChunkedUpload(uploadID, setID, relPath string, totalChunks int) (*models.FileInfo, error) {
	m.mu.Lock()
	uploadChunks, ok := m.chunks[uploadID]
	if !ok {
		m.mu.Unlock()
		return nil, errors.New("upload not found")
	}

	// Concatenate all chunks
	var data bytes.Buffer
	for i := 0; i < totalChunks; i++ {
		chunk, ok := uploadChunks[i]
		if !ok {
			m.mu.Unlock()
			return nil, errors.New("missing chunk")
		}
		data.Write(chunk)
	}
	delete(m.chunks, uploadID)
	m.mu.Unlock()

	return m.put(setID, relPath, data.Bytes())
}

// Ensure MockStorage implements storage.Store
var _ storage.Store = (*MockStorage)(nil)

// Test Helper Methods

// AddSet creates a set holding files and returns its id
func (m *MockStorage) AddSet(name string, files map[string]string) string {
	info, _ := m.CreateSet(name)
	for p, content := range files {
		m.put(info.ID, p, []byte(content))
	}
	return info.ID
}

// GetFileData returns the content of one file
func (m *MockStorage) GetFileData(setID, relPath string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.data[setID][fileset.CleanKey(relPath)]
	if !ok {
		return nil, errors.New("file not found")
	}
	return data, nil
}

// GetSetCount returns the number of stored sets
func (m *MockStorage) GetSetCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sets)
}

// generateTestID generates a simple test ID
var testIDCounter int
var testIDMutex sync.Mutex

func generateTestID() string {
	testIDMutex.Lock()
	defer testIDMutex.Unlock()
	testIDCounter++
	return fmt.Sprintf("test-id-%d", testIDCounter)
}

// RegisterFile is a no-op; the mock lists sets from memory
func (m *MockStorage) RegisterFile(setID string) {}
