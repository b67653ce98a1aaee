// Package document 定義持久化的金鑰文件與其樂觀鎖儲存介面.
package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// SchemaVersion 目前支援的文件結構版本.
const SchemaVersion = 1

var (
	// ErrConflict 儲存時版本不符（其他寫入者已更新文件）.
	ErrConflict = errors.New("document revision conflict")
	// ErrTransport 後端無法連線或回傳非 2xx.
	ErrTransport = errors.New("document store unavailable")
	// ErrUnsupportedSchema 文件版本比程式新.
	ErrUnsupportedSchema = errors.New("unsupported document schema version")
)

// Revision 不透明的版本標記，空字串代表文件尚不存在.
type Revision string

// IsZero 文件是否尚未建立
func (r Revision) IsZero() bool {
	return r == ""
}

// KeyRecord 單一金鑰紀錄.
type KeyRecord struct {
	OwnerID    int64   `json:"owner_id" bson:"owner_id"`
	CreatedAt  float64 `json:"created_at" bson:"created_at"`
	ExpiresAt  float64 `json:"expires_at" bson:"expires_at"`
	Privileged bool    `json:"privileged" bson:"privileged"`
	Used       bool    `json:"used" bson:"used"`
}

// ExpiredAt 在 now 時是否已過期（now > expires_at）.
func (r KeyRecord) ExpiredAt(now time.Time) bool {
	return Unix(now) > r.ExpiresAt
}

// ActiveAt 在 now 時是否仍有效（now < expires_at）.
func (r KeyRecord) ActiveAt(now time.Time) bool {
	return Unix(now) < r.ExpiresAt
}

// PendingRecord 用戶進行中的驗證請求.
type PendingRecord struct {
	Token     string  `json:"token" bson:"token"`
	Link      string  `json:"link" bson:"link"`
	CreatedAt float64 `json:"created_at" bson:"created_at"`
	ExpiresAt float64 `json:"expires_at" bson:"expires_at"`
}

// ExpiredAt 在 now 時是否已過期.
func (p PendingRecord) ExpiredAt(now time.Time) bool {
	return Unix(now) > p.ExpiresAt
}

// Remaining 剩餘時間，已過期時為 0.
func (p PendingRecord) Remaining(now time.Time) time.Duration {
	d := Time(p.ExpiresAt).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Document 持久化根物件.
type Document struct {
	SchemaVersion int                      `json:"schema_version" bson:"schema_version"`
	Keys          map[string]KeyRecord     `json:"keys" bson:"keys"`
	Pending       map[string]PendingRecord `json:"pending" bson:"pending"`
}

// New 建立空文件 {keys:{}, pending:{}}.
func New() *Document {
	return &Document{
		SchemaVersion: SchemaVersion,
		Keys:          make(map[string]KeyRecord),
		Pending:       make(map[string]PendingRecord),
	}
}

// Clone 深拷貝（兩個 map 的值皆為值型別）.
func (d *Document) Clone() *Document {
	out := &Document{
		SchemaVersion: d.SchemaVersion,
		Keys:          make(map[string]KeyRecord, len(d.Keys)),
		Pending:       make(map[string]PendingRecord, len(d.Pending)),
	}
	for k, v := range d.Keys {
		out.Keys[k] = v
	}
	for k, v := range d.Pending {
		out.Pending[k] = v
	}
	return out
}

// Normalize 補齊 nil map 並檢查版本.
func (d *Document) Normalize() error {
	if d.SchemaVersion == 0 {
		d.SchemaVersion = SchemaVersion
	}
	if d.SchemaVersion > SchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedSchema, d.SchemaVersion)
	}
	if d.Keys == nil {
		d.Keys = make(map[string]KeyRecord)
	}
	if d.Pending == nil {
		d.Pending = make(map[string]PendingRecord)
	}
	return nil
}

// Decode 解析 JSON 文件.
func Decode(data []byte) (*Document, error) {
	doc := &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if err := doc.Normalize(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Encode 以兩格縮排輸出 JSON.
func Encode(d *Document) ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}

// UserKey pending map 的鍵（用戶 ID 的字串形式）.
func UserKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// Unix 轉為浮點秒數.
func Unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Time 由浮點秒數轉回時間.
func Time(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*float64(time.Second)))
}

// Store 以 revision 做 compare-and-swap 的單一文件儲存.
type Store interface {
	// Load 文件不存在時回傳 New() 與空 revision，不視為錯誤.
	Load(ctx context.Context) (*Document, Revision, error)
	// Save 僅在後端 revision 等於 rev 時寫入，成功回傳新 revision.
	// 不符時回傳 ErrConflict；不得修改傳入的 doc.
	Save(ctx context.Context, doc *Document, rev Revision) (Revision, error)
}

// TransportError 包裝後端錯誤，同時符合 errors.Is(err, ErrTransport).
func TransportError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}
