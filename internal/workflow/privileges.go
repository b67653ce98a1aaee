package workflow

import (
	"sort"
	"sync"
)

// Privileges 特權用戶集合；第一個設定的 ID 為 owner.
// 執行期新增的管理員不會寫回設定.
type Privileges struct {
	mu       sync.RWMutex
	ids      map[int64]struct{}
	owner    int64
	hasOwner bool
}

// NewPrivileges 由設定建立.
func NewPrivileges(ids []int64) *Privileges {
	p := &Privileges{ids: make(map[int64]struct{}, len(ids))}
	for i, id := range ids {
		if i == 0 {
			p.owner, p.hasOwner = id, true
		}
		p.ids[id] = struct{}{}
	}
	return p
}

// IsPrivileged 是否為特權用戶.
func (p *Privileges) IsPrivileged(id int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.ids[id]
	return ok
}

// IsOwner 是否為 owner.
func (p *Privileges) IsOwner(id int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hasOwner && p.owner == id
}

// Add 新增特權用戶，已存在時回傳 false.
func (p *Privileges) Add(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.ids[id]; ok {
		return false
	}
	p.ids[id] = struct{}{}
	return true
}

// List 已排序的特權用戶.
func (p *Privileges) List() []int64 {
	p.mu.RLock()
	out := make([]int64, 0, len(p.ids))
	for id := range p.ids {
		out = append(out, id)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
