package pagination

import (
	"math"

	"github.com/gin-gonic/gin"
	"github.com/openride/dispatch/pkg/common"
)

const (
	// DefaultLimit is the default number of items per page
	DefaultLimit = 20
	// MaxLimit is the maximum number of items per page
	MaxLimit = 100
)

// Params represents pagination parameters
type Params struct {
	Page  int `form:"page" json:"page"`
	Limit int `form:"limit" json:"limit"`
}

// ParseParams extracts and validates pagination parameters from the request
func ParseParams(c *gin.Context) Params {
	params := Params{Page: 1, Limit: DefaultLimit}

	if err := c.ShouldBindQuery(&params); err != nil {
		return params
	}

	if params.Page < 1 {
		params.Page = 1
	}
	if params.Limit <= 0 {
		params.Limit = DefaultLimit
	}
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}

	return params
}

// Offset returns the row offset for the current page
func (p Params) Offset() int {
	return (p.Page - 1) * p.Limit
}

// BuildPagination creates the pagination meta block for responses
func BuildPagination(p Params, total int64) *common.Pagination {
	totalPages := 0
	if p.Limit > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(p.Limit)))
	}

	return &common.Pagination{
		CurrentPage: p.Page,
		Limit:       p.Limit,
		TotalCount:  total,
		TotalPages:  totalPages,
		HasNextPage: p.Page < totalPages,
		HasPrevPage: p.Page > 1 && total > 0,
	}
}
