package httputil

// API 錯誤代碼常數.
const (
	// 1000-1999: 權限相關錯誤 (403 Forbidden).
	ErrorCodePermissionDenied = 1003

	// 2000-2999: 參數相關錯誤 (400 Bad Request).
	ErrorCodeInvalidParameter = 2001
	ErrorCodeInvalidUserID    = 2002
	ErrorCodeInvalidKey       = 2003

	// 4000-4999: 資源相關錯誤 (404 Not Found).
	ErrorCodeRecordNotFound = 4001

	// 5000-5999: 處理相關錯誤 (500 / 503).
	ErrorCodeProcessingFailed = 5001
	ErrorCodeStoreConflict    = 5002
	ErrorCodeStoreUnavailable = 5003
)
