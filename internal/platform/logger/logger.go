package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"keybot/internal/platform/config"

	"github.com/google/uuid"
	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

// Severity GCP Cloud Logging 嚴重級別
type Severity string

const (
	SeverityDefault  Severity = "DEFAULT"
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityNotice   Severity = "NOTICE"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// LogEntry GCP Cloud Logging 格式的日誌條目
type LogEntry struct {
	Severity       Severity          `json:"severity"`
	Message        string            `json:"message"`
	Timestamp      string            `json:"timestamp"`       // RFC3339 格式
	TraceID        string            `json:"trace,omitempty"` // projects/[PROJECT_ID]/traces/[TRACE_ID]
	HTTPRequest    *HTTPRequest      `json:"httpRequest,omitempty"`
	SourceLocation *SourceLocation   `json:"sourceLocation,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	InsertID       string            `json:"insertId,omitempty"` // 用於去重
	// 自定義欄位
	UserID  string                 `json:"userId,omitempty"`
	Key     string                 `json:"key,omitempty"` // 只記錄遮罩後的金鑰
	Action  string                 `json:"action,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HTTPRequest HTTP 請求信息
type HTTPRequest struct {
	RequestMethod string `json:"requestMethod,omitempty"`
	RequestURL    string `json:"requestUrl,omitempty"`
	Status        int    `json:"status,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	RemoteIP      string `json:"remoteIp,omitempty"`
	Latency       string `json:"latency,omitempty"` // 格式: "1.234s"
}

// SourceLocation 源代碼位置
type SourceLocation struct {
	File     string `json:"file,omitempty"`
	Line     int64  `json:"line,omitempty"`
	Function string `json:"function,omitempty"`
}

type traceKey struct{}

var (
	mu          sync.Mutex
	logWriter   io.Writer
	stdout      io.Writer = os.Stdout
	projectID   = "local-dev"
	serviceName = "keybot"
)

// InitLogger 初始化 GCP 格式日誌系統
func InitLogger(cfg config.LogConfig) error {
	// 從環境變數取得配置
	logDir := os.Getenv("LOG_PATH")
	if logDir == "" {
		logDir = "./logs"
	}

	if id := os.Getenv("GCP_PROJECT_ID"); id != "" {
		projectID = id
	}
	if name := os.Getenv("SERVICE_NAME"); name != "" {
		serviceName = name
	}

	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return err
	}

	rotationTime := 24
	maxAge := 30
	maxSize := 100
	if cfg.RotationTimeHours > 0 {
		rotationTime = cfg.RotationTimeHours
	}
	if cfg.MaxAgeDays > 0 {
		maxAge = cfg.MaxAgeDays
	}
	if cfg.MaxSizeMB > 0 {
		maxSize = cfg.MaxSizeMB
	}

	// 設定日誌輪轉
	logFileName := filepath.Join(logDir, "keybot.log")
	writer, err := rotatelogs.New(
		logFileName+".%Y%m%d",
		rotatelogs.WithLinkName(logFileName),
		rotatelogs.WithRotationTime(time.Duration(rotationTime)*time.Hour),
		rotatelogs.WithMaxAge(time.Duration(maxAge)*24*time.Hour),
		rotatelogs.WithRotationSize(int64(maxSize)*1024*1024),
	)
	if err != nil {
		return err
	}

	mu.Lock()
	logWriter = writer
	mu.Unlock()

	return nil
}

// SetOutput 替換控制台輸出（測試用），回傳還原函式
func SetOutput(w io.Writer) func() {
	mu.Lock()
	prev := stdout
	stdout = w
	mu.Unlock()
	return func() {
		mu.Lock()
		stdout = prev
		mu.Unlock()
	}
}

// CloseLogger 關閉日誌檔案
func CloseLogger() {
	mu.Lock()
	defer mu.Unlock()
	if logWriter != nil {
		if closer, ok := logWriter.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
			}
		}
		logWriter = nil
	}
}

// writeLog 寫入日誌（內部方法）
func writeLog(entry *LogEntry) {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal log entry: %v\n", err)
		return
	}
	line := append(jsonData, '\n')

	mu.Lock()
	defer mu.Unlock()
	if logWriter != nil {
		_, _ = logWriter.Write(line)
	}
	_, _ = stdout.Write(line)
}

// getSourceLocation 獲取源代碼位置
func getSourceLocation(skip int) *SourceLocation {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return nil
	}

	fn := runtime.FuncForPC(pc)
	funcName := "unknown"
	if fn != nil {
		funcName = fn.Name()
	}

	return &SourceLocation{
		File:     filepath.Base(file),
		Line:     int64(line),
		Function: funcName,
	}
}

// GetTraceID 從 context 獲取 trace ID
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(traceKey{}).(string); ok && traceID != "" {
		return fmt.Sprintf("projects/%s/traces/%s", projectID, traceID)
	}
	return ""
}

// NewTraceID 生成新的 trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID 將 trace ID 添加到 context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// Log 通用日誌方法
func Log(ctx context.Context, severity Severity, message string, opts ...LogOption) {
	entry := &LogEntry{
		Severity:       severity,
		Message:        message,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:        GetTraceID(ctx),
		SourceLocation: getSourceLocation(3),
		InsertID:       uuid.New().String(),
		Labels: map[string]string{
			"service": serviceName,
		},
	}

	for _, opt := range opts {
		opt(entry)
	}

	writeLog(entry)
}

// LogOption 日誌選項
type LogOption func(*LogEntry)

// WithUserID 添加用戶 ID
func WithUserID(userID int64) LogOption {
	return func(e *LogEntry) {
		e.UserID = fmt.Sprintf("%d", userID)
	}
}

// WithKey 添加金鑰（自動遮罩）
func WithKey(key string) LogOption {
	return func(e *LogEntry) {
		e.Key = MaskKey(key)
	}
}

// WithAction 添加操作
func WithAction(action string) LogOption {
	return func(e *LogEntry) {
		e.Action = action
	}
}

// WithDetails 添加詳細信息，與既有欄位合併
func WithDetails(details map[string]interface{}) LogOption {
	return func(e *LogEntry) {
		if e.Details == nil {
			e.Details = make(map[string]interface{}, len(details))
		}
		for k, v := range details {
			e.Details[k] = v
		}
	}
}

// WithError 將錯誤放入 details
func WithError(err error) LogOption {
	return func(e *LogEntry) {
		if err == nil {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]interface{})
		}
		e.Details["error"] = err.Error()
	}
}

// WithHTTPRequest 添加 HTTP 請求信息
func WithHTTPRequest(req *HTTPRequest) LogOption {
	return func(e *LogEntry) {
		e.HTTPRequest = req
	}
}

// WithLabels 添加標籤
func WithLabels(labels map[string]string) LogOption {
	return func(e *LogEntry) {
		if e.Labels == nil {
			e.Labels = make(map[string]string)
		}
		for k, v := range labels {
			e.Labels[k] = v
		}
	}
}

// MaskKey 只保留前綴與最後一組，例如 KEY-****-****-****-GH78
func MaskKey(key string) string {
	parts := strings.Split(key, "-")
	if len(parts) < 3 {
		return "****"
	}
	for i := 1; i < len(parts)-1; i++ {
		parts[i] = "****"
	}
	return strings.Join(parts, "-")
}

// 便捷方法

// Debug 記錄 DEBUG 級別日誌
func Debug(ctx context.Context, message string, opts ...LogOption) {
	Log(ctx, SeverityDebug, message, opts...)
}

// Info 記錄 INFO 級別日誌
func Info(ctx context.Context, message string, opts ...LogOption) {
	Log(ctx, SeverityInfo, message, opts...)
}

// Notice 記錄 NOTICE 級別日誌
func Notice(ctx context.Context, message string, opts ...LogOption) {
	Log(ctx, SeverityNotice, message, opts...)
}

// Warning 記錄 WARNING 級別日誌
func Warning(ctx context.Context, message string, opts ...LogOption) {
	Log(ctx, SeverityWarning, message, opts...)
}

// Error 記錄 ERROR 級別日誌
func Error(ctx context.Context, message string, opts ...LogOption) {
	Log(ctx, SeverityError, message, opts...)
}

// Critical 記錄 CRITICAL 級別日誌
func Critical(ctx context.Context, message string, opts ...LogOption) {
	Log(ctx, SeverityCritical, message, opts...)
}

// Infof 格式化 INFO 日誌
func Infof(ctx context.Context, format string, args ...interface{}) {
	Log(ctx, SeverityInfo, fmt.Sprintf(format, args...))
}

// Warningf 格式化 WARNING 日誌
func Warningf(ctx context.Context, format string, args ...interface{}) {
	Log(ctx, SeverityWarning, fmt.Sprintf(format, args...))
}

// Errorf 格式化 ERROR 日誌
func Errorf(ctx context.Context, format string, args ...interface{}) {
	Log(ctx, SeverityError, fmt.Sprintf(format, args...))
}
