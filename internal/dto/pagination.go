package dto

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// PaginationParams is the page/page_size query pair resolved to the limit
// and offset the stores take.
type PaginationParams struct {
	Page     int
	PageSize int
	Offset   int
}

// ParsePagination never fails: bad or out-of-range values fall back to the
// first page of defaultPageSize, and page_size is capped at maxPageSize.
func ParsePagination(c *gin.Context) PaginationParams {
	page, err := strconv.Atoi(c.Query("page"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err := strconv.Atoi(c.Query("page_size"))
	if err != nil || size < 1 {
		size = defaultPageSize
	}
	size = min(size, maxPageSize)

	return PaginationParams{
		Page:     page,
		PageSize: size,
		Offset:   (page - 1) * size,
	}
}

func NewPagination(page, pageSize, totalItems int) Pagination {
	p := Pagination{Page: page, PageSize: pageSize, TotalItems: totalItems}
	if pageSize > 0 {
		p.TotalPages = (totalItems + pageSize - 1) / pageSize
	}
	return p
}
