package server

import (
	"keybot/internal/httputil"
	"keybot/internal/platform/middleware"
	"keybot/internal/workflow"

	"github.com/gin-gonic/gin"
)

type handlers struct {
	svc *workflow.Service
}

type userRequest struct {
	UserID int64 `json:"user_id" binding:"required,gt=0"`
}

type bulkRequest struct {
	UserID int64 `json:"user_id" binding:"required,gt=0"`
	Count  int   `json:"count"`
}

type addAdminRequest struct {
	UserID   int64 `json:"user_id" binding:"required,gt=0"`
	TargetID int64 `json:"target_id" binding:"required,gt=0"`
}

// respond 用戶結果回 200，權限不足回 403，運作錯誤依類型對應
func respond(c *gin.Context, res workflow.Result, err error) {
	if err != nil {
		httputil.FromError(c, err)
		return
	}
	if res.Status == workflow.StatusPermissionDenied {
		httputil.Forbidden(c, "")
		return
	}
	httputil.OK(c, res)
}

func (h *handlers) requestKey(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, httputil.InvalidBody)
		return
	}
	res, err := h.svc.RequestKey(c.Request.Context(), req.UserID)
	respond(c, res, err)
}

func (h *handlers) verify(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, httputil.InvalidBody)
		return
	}
	res, err := h.svc.Verify(c.Request.Context(), req.UserID)
	respond(c, res, err)
}

func (h *handlers) checkKey(c *gin.Context) {
	key := c.Param("key")
	if err := middleware.ValidateKey(key); err != nil {
		httputil.ValidationError(c, err)
		return
	}
	httputil.OK(c, h.svc.CheckKey(key))
}

func (h *handlers) redeem(c *gin.Context) {
	key := c.Param("key")
	if err := middleware.ValidateKey(key); err != nil {
		httputil.ValidationError(c, err)
		return
	}
	res, err := h.svc.Redeem(c.Request.Context(), key)
	respond(c, res, err)
}

func (h *handlers) whoAmI(c *gin.Context) {
	userID, err := middleware.ValidateUserID(c.Param("user_id"))
	if err != nil {
		httputil.ValidationError(c, err)
		return
	}
	httputil.OK(c, h.svc.WhoAmI(userID))
}

func (h *handlers) listKeys(c *gin.Context) {
	userID, err := middleware.ValidateUserID(c.Param("user_id"))
	if err != nil {
		httputil.ValidationError(c, err)
		return
	}
	keys := h.svc.ListKeys(userID)
	httputil.OKWithCount(c, keys, len(keys))
}

func (h *handlers) adminStats(c *gin.Context) {
	userID, err := middleware.ValidateUserID(c.Query("user_id"))
	if err != nil {
		httputil.ValidationError(c, err)
		return
	}
	res, err := h.svc.ListAdminStats(c.Request.Context(), userID)
	respond(c, res, err)
}

func (h *handlers) bulkIssue(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, httputil.InvalidBody)
		return
	}
	res, err := h.svc.BulkIssue(c.Request.Context(), req.UserID, req.Count)
	respond(c, res, err)
}

func (h *handlers) addAdmin(c *gin.Context) {
	var req addAdminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, httputil.InvalidBody)
		return
	}
	res, err := h.svc.AddAdmin(c.Request.Context(), req.UserID, req.TargetID)
	respond(c, res, err)
}
