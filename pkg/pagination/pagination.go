package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts limit and offset from the query string.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Window returns the [start, end) bounds of the page within total items.
func (p Params) Window(total int) (start, end int) {
	start = p.Offset
	if start > total {
		start = total
	}
	end = start + p.Limit
	if end > total {
		end = total
	}
	return start, end
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page, never negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// Response wraps a paginated API response.
type Response struct {
	Data     interface{} `json:"data"`
	Total    int         `json:"total"`
	Limit    int         `json:"limit"`
	Offset   int         `json:"offset"`
	HasMore  bool        `json:"has_more"`
	Next     string      `json:"next,omitempty"`
	Previous string      `json:"previous,omitempty"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// WithLinks fills Next and Previous as basePath?<query>&offset=N&limit=N.
// query may be empty and must not carry its own limit or offset.
func (r *Response) WithLinks(basePath, query string) *Response {
	p := Params{Limit: r.Limit, Offset: r.Offset}
	sep := "?"
	if query != "" {
		basePath += "?" + query
		sep = "&"
	}
	if p.HasNext(r.Total) {
		r.Next = fmt.Sprintf("%s%soffset=%d&limit=%d", basePath, sep, p.NextOffset(), p.Limit)
	}
	if p.HasPrevious() {
		r.Previous = fmt.Sprintf("%s%soffset=%d&limit=%d", basePath, sep, p.PreviousOffset(), p.Limit)
	}
	return r
}
