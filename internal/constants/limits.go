package constants

// HTTP 請求相關常數
const (
	// 默認值（可被配置覆蓋）
	DefaultMaxRequestBodySize = 1 << 20 // 1MB
	DefaultRequestTimeout     = 30      // 秒
)

// 金鑰相關常數
const (
	DefaultKeyPrefix     = "KEY"
	DefaultKeyTTLSeconds = 86400 // 24 小時
	KeyGroupCount        = 4
	KeyGroupLength       = 4
	MaxKeyPrefixLength   = 16
	MaxKeyLength         = MaxKeyPrefixLength + KeyGroupCount*(KeyGroupLength+1)
)

// 驗證流程相關常數
const (
	PendingTTLSeconds = 600 // 10 分鐘
	MaxBulkIssue      = 10
	LinkTokenLength   = 16
)

// 儲存相關常數
const (
	DefaultStoreTimeoutSeconds = 10
	DefaultConflictRetries     = 1
	DefaultDocumentPath        = "keys.json"
	DefaultDocumentID          = "keys"
	DefaultMongoCollection     = "documents"
	DefaultRedisKey            = "keybot:document"
)

// Rate Limiting 默認值
const (
	DefaultRateLimitPerMinute = 100
	DefaultRequestKeyLimit    = 10
	DefaultVerifyLimit        = 20
)

// 維護相關常數
const (
	DefaultPruneSchedule       = "@daily"
	DefaultPruneRetentionHours = 24 * 7
)

// 用戶 ID 相關常數
const (
	MaxUserIDLength = 20
)
