package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
)

// LimitedFunc 請求被限制時的回呼（審計用）
type LimitedFunc func(ctx context.Context, ip, endpoint string)

// RateLimiter 固定時間窗口的速率限制器
type RateLimiter struct {
	visitors map[string]*Visitor
	mu       sync.Mutex
	rate     int           // 每個時間窗口允許的請求數
	window   time.Duration // 時間窗口
	clock    clockwork.Clock
	stop     chan struct{}
	stopOnce sync.Once
}

// Visitor 訪問者信息
type Visitor struct {
	lastSeen  time.Time
	requests  int
	resetTime time.Time
}

// NewRateLimiter 創建新的速率限制器
// rate: 每個時間窗口允許的請求數
// window: 時間窗口（例如：time.Minute）
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	return newRateLimiter(rate, window, clockwork.NewRealClock())
}

func newRateLimiter(rate int, window time.Duration, clock clockwork.Clock) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*Visitor),
		rate:     rate,
		window:   window,
		clock:    clock,
		stop:     make(chan struct{}),
	}

	// 定期清理過期的訪問者記錄
	go rl.cleanupVisitors()

	return rl
}

// Stop 停止清理 goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Allow 檢查是否允許請求
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	visitor, exists := rl.visitors[ip]

	if !exists {
		rl.visitors[ip] = &Visitor{
			lastSeen:  now,
			requests:  1,
			resetTime: now.Add(rl.window),
		}
		return true
	}

	// 時間窗口已過，重置計數器
	if now.After(visitor.resetTime) {
		visitor.requests = 1
		visitor.resetTime = now.Add(rl.window)
		visitor.lastSeen = now
		return true
	}

	visitor.lastSeen = now
	if visitor.requests >= rl.rate {
		return false
	}

	visitor.requests++
	return true
}

func (rl *RateLimiter) cleanupVisitors() {
	ticker := rl.clock.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.Chan():
			rl.mu.Lock()
			now := rl.clock.Now()
			for ip, visitor := range rl.visitors {
				// 超過 10 分鐘沒有活動
				if now.Sub(visitor.lastSeen) > 10*time.Minute {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// PerEndpointRateLimiter 為不同路由設置不同的速率限制
type PerEndpointRateLimiter struct {
	limiters  map[string]*RateLimiter
	default_  *RateLimiter
	onLimited LimitedFunc
}

// NewPerEndpointRateLimiter 創建端點級速率限制器
func NewPerEndpointRateLimiter(defaultRate int, defaultWindow time.Duration, onLimited LimitedFunc) *PerEndpointRateLimiter {
	return &PerEndpointRateLimiter{
		limiters:  make(map[string]*RateLimiter),
		default_:  NewRateLimiter(defaultRate, defaultWindow),
		onLimited: onLimited,
	}
}

// SetLimit 為特定路由設置限制，route 為 gin 的 FullPath
func (p *PerEndpointRateLimiter) SetLimit(route string, rate int, window time.Duration) {
	if old, ok := p.limiters[route]; ok {
		old.Stop()
	}
	p.limiters[route] = NewRateLimiter(rate, window)
}

// Stop 停止所有限制器
func (p *PerEndpointRateLimiter) Stop() {
	p.default_.Stop()
	for _, l := range p.limiters {
		l.Stop()
	}
}

// Middleware 返回 Gin 中間件
func (p *PerEndpointRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		limiter, exists := p.limiters[route]
		if !exists {
			limiter = p.default_
		}

		ip := c.ClientIP()
		if !limiter.Allow(ip) {
			if p.onLimited != nil {
				p.onLimited(c.Request.Context(), ip, route)
			}
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "請求過於頻繁，請稍後再試",
				"code":    "RATE_LIMIT_EXCEEDED",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
