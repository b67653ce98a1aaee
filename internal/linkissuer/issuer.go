// Package linkissuer 產生廣告驗證連結並向廣告平台查詢完成狀態.
package linkissuer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"keybot/internal/constants"
	"keybot/internal/platform/config"
	"keybot/internal/platform/logger"
	"keybot/internal/storage/document"

	"github.com/go-resty/resty/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/blake2b"
)

// PendingTTL 連結有效時間.
const PendingTTL = constants.PendingTTLSeconds * time.Second

// Link 發給用戶的追蹤連結.
type Link struct {
	Link      string    `json:"link"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Record 轉為待驗證紀錄.
func (l Link) Record() document.PendingRecord {
	return document.PendingRecord{
		Token:     l.Token,
		Link:      l.Link,
		CreatedAt: document.Unix(l.CreatedAt),
		ExpiresAt: document.Unix(l.ExpiresAt),
	}
}

// Stats 廣告連結統計.
type Stats struct {
	Views       int64 `json:"views"`
	Completions int64 `json:"completions"`
}

// Issuer 廣告連結服務.
type Issuer struct {
	client  *resty.Client
	linkURL string
	linkID  string
	enabled bool
	strict  bool
	clock   clockwork.Clock
}

// Option Issuer 選項.
type Option func(*Issuer)

// WithStrict 查詢失敗時回報未完成（預設視為完成）.
func WithStrict(strict bool) Option {
	return func(i *Issuer) {
		i.strict = strict
	}
}

// WithClock 注入時鐘.
func WithClock(c clockwork.Clock) Option {
	return func(i *Issuer) {
		i.clock = c
	}
}

// New 建立 Issuer.
func New(cfg config.LinkIssuerConfig, opts ...Option) *Issuer {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.APIBase).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	i := &Issuer{
		client:  client,
		linkURL: cfg.LinkURL,
		linkID:  cfg.LinkID,
		enabled: cfg.APIBase != "" && cfg.LinkID != "",
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// GenerateLink 產生用戶專屬連結，token 取 blake2b 前 16 個 hex 字元.
func (i *Issuer) GenerateLink(userID int64) (Link, error) {
	now := i.clock.Now()

	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Link{}, fmt.Errorf("generate link: %w", err)
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(now.UnixNano()))
	copy(buf[8:], nonce[:])

	h, err := blake2b.New256(nil)
	if err != nil {
		return Link{}, fmt.Errorf("generate link: %w", err)
	}
	h.Write([]byte(strconv.FormatInt(userID, 10)))
	h.Write(buf[:])
	token := hex.EncodeToString(h.Sum(nil))[:constants.LinkTokenLength]

	u, err := url.Parse(i.linkURL)
	if err != nil {
		return Link{}, fmt.Errorf("generate link: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("uid", strconv.FormatInt(userID, 10))
	u.RawQuery = q.Encode()

	return Link{
		Link:      u.String(),
		Token:     token,
		CreatedAt: now,
		ExpiresAt: now.Add(PendingTTL),
	}, nil
}

type completionResponse struct {
	Completed bool `json:"completed"`
}

// CheckCompletion 查詢用戶是否完成廣告.
// 查詢失敗時回傳 !strict.
func (i *Issuer) CheckCompletion(ctx context.Context, userID int64, token string) bool {
	if !i.enabled {
		return i.fallback(ctx, userID, fmt.Errorf("completion api 未設定"))
	}

	resp, err := i.client.R().
		SetContext(ctx).
		SetPathParam("link_id", i.linkID).
		SetQueryParam("token", token).
		Get("/links/{link_id}/completions")
	if err != nil {
		return i.fallback(ctx, userID, err)
	}
	if !resp.IsSuccess() {
		return i.fallback(ctx, userID, fmt.Errorf("completion api status %d", resp.StatusCode()))
	}

	var body completionResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return i.fallback(ctx, userID, fmt.Errorf("decode completion: %w", err))
	}
	return body.Completed
}

func (i *Issuer) fallback(ctx context.Context, userID int64, err error) bool {
	logger.Warning(ctx, "無法確認廣告完成狀態",
		logger.WithUserID(userID),
		logger.WithAction("check_completion"),
		logger.WithError(err),
		logger.WithDetails(map[string]interface{}{"strict": i.strict}))
	return !i.strict
}

// FetchStats 取得連結統計，失敗時回傳零值.
func (i *Issuer) FetchStats(ctx context.Context) Stats {
	if !i.enabled {
		return Stats{}
	}

	resp, err := i.client.R().
		SetContext(ctx).
		SetPathParam("link_id", i.linkID).
		Get("/links/{link_id}/stats")
	if err != nil || !resp.IsSuccess() {
		logger.Warning(ctx, "無法取得廣告統計", logger.WithAction("fetch_stats"), logger.WithError(err))
		return Stats{}
	}

	var st Stats
	if err := json.Unmarshal(resp.Body(), &st); err != nil {
		return Stats{}
	}
	return st
}
