package handlers

import (
	"net/http"
	"strconv"

	"supportdesk/internal/auth"
	"supportdesk/internal/middleware"
	"supportdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// respondError 按错误分类映射状态码；存储故障不向调用方暴露细节
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	kind := services.KindOf(err)
	status := kind.HTTPStatus()
	msg := err.Error()
	switch kind {
	case services.KindTransient:
		logger.WithError(err).WithField("path", c.FullPath()).Warn("request failed")
		msg = "temporarily unavailable, please retry"
	case services.KindInternal:
		logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		msg = "internal error"
	case services.KindForbidden:
		msg = "Access denied"
	}
	c.JSON(status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: msg,
		Code:    string(kind),
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "Invalid request body",
		Message: err.Error(),
		Code:    string(services.KindInvalidInput),
	})
}

func caller(c *gin.Context) auth.Identity {
	id, _ := middleware.IdentityFrom(c)
	return id
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
