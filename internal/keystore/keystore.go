// Package keystore 管理金鑰與待驗證紀錄，所有變更皆以樂觀鎖寫回文件儲存.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"keybot/internal/constants"
	"keybot/internal/platform/logger"
	"keybot/internal/storage/document"

	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"
)

var (
	// ErrNotFound 金鑰不存在.
	ErrNotFound = errors.New("key not found")
	// ErrExpired 金鑰已過期.
	ErrExpired = errors.New("key expired")
	// ErrAlreadyUsed 金鑰已兌換.
	ErrAlreadyUsed = errors.New("key already used")
	// ErrPendingChanged 待驗證紀錄已被新的連結取代.
	ErrPendingChanged = errors.New("pending record replaced")
)

// 產生金鑰時與既有金鑰碰撞的重試上限
const maxKeyCollisions = 8

// 衝突重試前的等待時間
const conflictBackoff = 20 * time.Millisecond

// SaveObserver 觀察每次寫入結果（metrics 用）.
type SaveObserver interface {
	ObserveSave(op string, elapsed time.Duration, err error)
}

// Options KeyStore 設定.
type Options struct {
	Prefix string
	TTL    time.Duration
	// ConflictRetries 版本衝突時重新載入並重做的次數，0 表示不重試
	ConflictRetries int
	Clock           clockwork.Clock
	Observer        SaveObserver
}

// IssuedKey 金鑰字串與其紀錄.
type IssuedKey struct {
	Key string `json:"key"`
	document.KeyRecord
}

// Reason 驗證失敗原因.
type Reason string

const (
	ReasonNotFound Reason = "not found"
	ReasonExpired  Reason = "expired"
)

// ValidationResult 金鑰驗證結果.
type ValidationResult struct {
	Valid     bool          `json:"valid"`
	Reason    Reason        `json:"reason,omitempty"`
	Remaining string        `json:"remaining,omitempty"`
	TimeLeft  time.Duration `json:"-"`
	OwnerID   int64         `json:"owner_id,omitempty"`
	Used      bool          `json:"used,omitempty"`
}

// Stats 統計資料.
type Stats struct {
	TotalKeys    int `json:"total_keys"`
	ActiveKeys   int `json:"active_keys"`
	ExpiredKeys  int `json:"expired_keys"`
	PendingUsers int `json:"pending_users"`
}

// PruneResult 清理結果.
type PruneResult struct {
	Keys    int `json:"keys"`
	Pending int `json:"pending"`
}

// Store 持有目前文件與 revision，單一互斥鎖序列化所有寫入.
type Store struct {
	mu       sync.RWMutex
	backend  document.Store
	doc      *document.Document
	rev      document.Revision
	prefix   string
	ttl      time.Duration
	retries  int
	clock    clockwork.Clock
	observer SaveObserver
}

// Open 載入文件並建立 KeyStore.
func Open(ctx context.Context, backend document.Store, opts Options) (*Store, error) {
	if opts.Prefix == "" {
		opts.Prefix = constants.DefaultKeyPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = constants.DefaultKeyTTLSeconds * time.Second
	}
	if opts.ConflictRetries < 0 {
		opts.ConflictRetries = 0
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	doc, rev, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}

	return &Store{
		backend:  backend,
		doc:      doc,
		rev:      rev,
		prefix:   opts.Prefix,
		ttl:      opts.TTL,
		retries:  opts.ConflictRetries,
		clock:    opts.Clock,
		observer: opts.Observer,
	}, nil
}

// Prefix 金鑰前綴.
func (s *Store) Prefix() string {
	return s.prefix
}

// Now 目前時間（依注入的時鐘）.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// revision 最後一次成功載入或寫入的 revision.
func (s *Store) revision() document.Revision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rev
}

// snapshot 目前文件的副本.
func (s *Store) snapshot() *document.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Clone()
}

func (s *Store) reloadLocked(ctx context.Context) error {
	doc, rev, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("reload document: %w", err)
	}
	s.doc, s.rev = doc, rev
	return nil
}

// mutate 複製文件、套用 fn、寫回；成功後才替換記憶體狀態.
// fn 回傳 false 表示無需寫入. 版本衝突時重新載入並重做 fn.
func (s *Store) mutate(ctx context.Context, op string, fn func(doc *document.Document, now time.Time) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backoff := retry.WithMaxRetries(uint64(s.retries), retry.NewConstant(conflictBackoff))
	attempt := 0

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			logger.Warning(ctx, "文件版本衝突，重新載入後重試",
				logger.WithAction(op),
				logger.WithDetails(map[string]interface{}{"attempt": attempt}))
			if err := s.reloadLocked(ctx); err != nil {
				return err
			}
		}
		attempt++

		next := s.doc.Clone()
		changed, err := fn(next, s.clock.Now())
		if err != nil || !changed {
			return err
		}

		start := time.Now()
		rev, err := s.backend.Save(ctx, next, s.rev)
		if s.observer != nil {
			s.observer.ObserveSave(op, time.Since(start), err)
		}
		if err != nil {
			if errors.Is(err, document.ErrConflict) {
				return retry.RetryableError(fmt.Errorf("%s: %w", op, err))
			}
			return fmt.Errorf("%s: %w", op, err)
		}

		s.doc, s.rev = next, rev
		return nil
	})
}

// newKeyLocked 在 doc 中建立一把不重複的新金鑰
func (s *Store) newKeyLocked(doc *document.Document, now time.Time, ownerID int64, privileged bool) (IssuedKey, error) {
	for i := 0; i < maxKeyCollisions; i++ {
		key, err := GenerateKey(s.prefix)
		if err != nil {
			return IssuedKey{}, err
		}
		if _, exists := doc.Keys[key]; exists {
			continue
		}
		rec := document.KeyRecord{
			OwnerID:    ownerID,
			CreatedAt:  document.Unix(now),
			ExpiresAt:  document.Unix(now.Add(s.ttl)),
			Privileged: privileged,
		}
		doc.Keys[key] = rec
		return IssuedKey{Key: key, KeyRecord: rec}, nil
	}
	return IssuedKey{}, fmt.Errorf("generate key: %d collisions", maxKeyCollisions)
}

// Issue 發放一把金鑰並寫回；寫入失敗時不回傳金鑰.
func (s *Store) Issue(ctx context.Context, ownerID int64, privileged bool) (IssuedKey, error) {
	var issued IssuedKey
	err := s.mutate(ctx, "issue", func(doc *document.Document, now time.Time) (bool, error) {
		var err error
		issued, err = s.newKeyLocked(doc, now, ownerID, privileged)
		return err == nil, err
	})
	if err != nil {
		return IssuedKey{}, err
	}
	return issued, nil
}

// IssueBatch 一次寫入發放 n 把金鑰.
func (s *Store) IssueBatch(ctx context.Context, ownerID int64, privileged bool, n int) ([]IssuedKey, error) {
	if n <= 0 {
		return nil, nil
	}
	var issued []IssuedKey
	err := s.mutate(ctx, "issue_batch", func(doc *document.Document, now time.Time) (bool, error) {
		issued = make([]IssuedKey, 0, n)
		for i := 0; i < n; i++ {
			k, err := s.newKeyLocked(doc, now, ownerID, privileged)
			if err != nil {
				return false, err
			}
			issued = append(issued, k)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

// Validate 查詢金鑰是否有效.
func (s *Store) Validate(key string) ValidationResult {
	s.mu.RLock()
	rec, ok := s.doc.Keys[key]
	s.mu.RUnlock()

	if !ok {
		return ValidationResult{Reason: ReasonNotFound}
	}
	now := s.clock.Now()
	if rec.ExpiredAt(now) {
		return ValidationResult{Reason: ReasonExpired, OwnerID: rec.OwnerID, Used: rec.Used}
	}

	left := document.Time(rec.ExpiresAt).Sub(now)
	return ValidationResult{
		Valid:     true,
		Remaining: FormatRemaining(left),
		TimeLeft:  left,
		OwnerID:   rec.OwnerID,
		Used:      rec.Used,
	}
}

// FormatRemaining 以 "<h>h <m>m" 表示，無條件捨去.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
}

// ListByOwner 列出某用戶的金鑰，依建立時間再依金鑰字串排序.
func (s *Store) ListByOwner(ownerID int64) []IssuedKey {
	s.mu.RLock()
	out := make([]IssuedKey, 0)
	for k, rec := range s.doc.Keys {
		if rec.OwnerID == ownerID {
			out = append(out, IssuedKey{Key: k, KeyRecord: rec})
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Stats 即時計算統計.
func (s *Store) Stats() Stats {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{TotalKeys: len(s.doc.Keys), PendingUsers: len(s.doc.Pending)}
	for _, rec := range s.doc.Keys {
		if rec.ActiveAt(now) {
			st.ActiveKeys++
		}
	}
	st.ExpiredKeys = st.TotalKeys - st.ActiveKeys
	return st
}

// Pending 取得用戶的待驗證紀錄（可能已過期）.
func (s *Store) Pending(userID int64) (document.PendingRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.doc.Pending[document.UserKey(userID)]
	return rec, ok
}

// CreatePending 用戶沒有未過期紀錄時寫入 rec.
// 已有未過期紀錄時不寫入，回傳既有紀錄與 false.
func (s *Store) CreatePending(ctx context.Context, userID int64, rec document.PendingRecord) (document.PendingRecord, bool, error) {
	var (
		current document.PendingRecord
		created bool
	)
	err := s.mutate(ctx, "create_pending", func(doc *document.Document, now time.Time) (bool, error) {
		uk := document.UserKey(userID)
		if p, ok := doc.Pending[uk]; ok && !p.ExpiredAt(now) {
			current, created = p, false
			return false, nil
		}
		doc.Pending[uk] = rec
		current, created = rec, true
		return true, nil
	})
	if err != nil {
		return document.PendingRecord{}, false, err
	}
	return current, created, nil
}

// RemoveExpiredPending 只在紀錄仍存在且已過期時刪除.
func (s *Store) RemoveExpiredPending(ctx context.Context, userID int64) (bool, error) {
	removed := false
	err := s.mutate(ctx, "remove_pending", func(doc *document.Document, now time.Time) (bool, error) {
		uk := document.UserKey(userID)
		p, ok := doc.Pending[uk]
		removed = ok && p.ExpiredAt(now)
		if removed {
			delete(doc.Pending, uk)
		}
		return removed, nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// CompleteVerification 確認 token 對應的待驗證紀錄仍有效後，
// 發放一般金鑰並移除紀錄，兩者同一次寫入.
// 紀錄不存在回傳 ErrNotFound；已過期時刪除紀錄並回傳 ErrExpired；
// 已被新連結取代回傳 ErrPendingChanged.
func (s *Store) CompleteVerification(ctx context.Context, userID int64, token string) (IssuedKey, error) {
	var (
		issued  IssuedKey
		expired bool
	)
	err := s.mutate(ctx, "complete_verification", func(doc *document.Document, now time.Time) (bool, error) {
		uk := document.UserKey(userID)
		p, ok := doc.Pending[uk]
		switch {
		case !ok:
			return false, ErrNotFound
		case p.Token != token:
			return false, ErrPendingChanged
		case p.ExpiredAt(now):
			expired = true
			delete(doc.Pending, uk)
			return true, nil
		}

		expired = false
		var err error
		issued, err = s.newKeyLocked(doc, now, userID, false)
		if err != nil {
			return false, err
		}
		delete(doc.Pending, uk)
		return true, nil
	})
	if err != nil {
		return IssuedKey{}, err
	}
	if expired {
		return IssuedKey{}, ErrExpired
	}
	return issued, nil
}

// Redeem 兌換有效金鑰（僅能一次）.
func (s *Store) Redeem(ctx context.Context, key string) (IssuedKey, error) {
	var redeemed IssuedKey
	err := s.mutate(ctx, "redeem", func(doc *document.Document, now time.Time) (bool, error) {
		rec, ok := doc.Keys[key]
		switch {
		case !ok:
			return false, ErrNotFound
		case rec.ExpiredAt(now):
			return false, ErrExpired
		case rec.Used:
			return false, ErrAlreadyUsed
		}
		rec.Used = true
		doc.Keys[key] = rec
		redeemed = IssuedKey{Key: key, KeyRecord: rec}
		return true, nil
	})
	if err != nil {
		return IssuedKey{}, err
	}
	return redeemed, nil
}

// Prune 刪除過期超過 retention 的金鑰與所有已過期的待驗證紀錄.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (PruneResult, error) {
	var res PruneResult
	err := s.mutate(ctx, "prune", func(doc *document.Document, now time.Time) (bool, error) {
		res = PruneResult{}
		cutoff := now.Add(-retention)
		for k, rec := range doc.Keys {
			if rec.ExpiredAt(cutoff) {
				delete(doc.Keys, k)
				res.Keys++
			}
		}
		for uid, rec := range doc.Pending {
			if rec.ExpiredAt(now) {
				delete(doc.Pending, uid)
				res.Pending++
			}
		}
		return res.Keys+res.Pending > 0, nil
	})
	if err != nil {
		return PruneResult{}, err
	}
	return res, nil
}
