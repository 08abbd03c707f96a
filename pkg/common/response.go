package common

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Response is the standard API envelope
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Code    Code        `json:"code,omitempty"`
	Details interface{} `json:"details,omitempty"`
	Meta    *Meta       `json:"meta"`
}

// Meta carries the response timestamp and optional pagination block
type Meta struct {
	Timestamp  time.Time   `json:"timestamp"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Stats      interface{} `json:"stats,omitempty"`
}

// Pagination describes a paginated collection
type Pagination struct {
	CurrentPage int   `json:"currentPage"`
	Limit       int   `json:"limit"`
	TotalCount  int64 `json:"totalCount"`
	TotalPages  int   `json:"totalPages"`
	HasNextPage bool  `json:"hasNextPage"`
	HasPrevPage bool  `json:"hasPrevPage"`
}

func newMeta() *Meta {
	return &Meta{Timestamp: time.Now().UTC()}
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data, Meta: newMeta()})
}

// CreatedResponse sends a 201 response
func CreatedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Success: true, Data: data, Meta: newMeta()})
}

// SuccessResponseWithPagination sends a successful paginated response
func SuccessResponseWithPagination(c *gin.Context, data interface{}, p *Pagination) {
	meta := newMeta()
	meta.Pagination = p
	c.JSON(http.StatusOK, Response{Success: true, Data: data, Meta: meta})
}

// SuccessResponseWithStats sends a successful response with a stats block
func SuccessResponseWithStats(c *gin.Context, data interface{}, stats interface{}) {
	meta := newMeta()
	meta.Stats = stats
	c.JSON(http.StatusOK, Response{Success: true, Data: data, Meta: meta})
}

// ErrorResponse sends an AppError response
func ErrorResponse(c *gin.Context, err error) {
	appErr := AsAppError(err)
	c.JSON(appErr.Status, Response{
		Success: false,
		Message: appErr.Message,
		Code:    appErr.Code,
		Details: appErr.Details,
		Meta:    newMeta(),
	})
}
