package document

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore 行程內的 CAS 儲存，用於測試與本機執行.
type MemoryStore struct {
	mu       sync.RWMutex
	data     []byte
	revision Revision
	failure  error
	saves    int
}

// NewMemoryStore 建立空的記憶體儲存.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load 讀取文件.
func (s *MemoryStore) Load(ctx context.Context) (*Document, Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", TransportError("memory load", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data == nil {
		return New(), "", nil
	}
	doc, err := Decode(s.data)
	if err != nil {
		return nil, "", err
	}
	return doc, s.revision, nil
}

// Save 比對 revision 後寫入.
func (s *MemoryStore) Save(ctx context.Context, doc *Document, rev Revision) (Revision, error) {
	if err := ctx.Err(); err != nil {
		return "", TransportError("memory save", err)
	}
	data, err := Encode(doc)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return "", TransportError("memory save", s.failure)
	}
	if rev != s.revision {
		return "", ErrConflict
	}
	s.data = data
	s.revision = Revision(uuid.New().String())
	s.saves++
	return s.revision, nil
}

// FailSaves 之後的 Save 皆回傳 err；傳入 nil 恢復.
func (s *MemoryStore) FailSaves(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

// Saves 成功寫入次數.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Revision 目前的 revision.
func (s *MemoryStore) Revision() Revision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}
