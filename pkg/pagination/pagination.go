package pagination

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// Params holds offset pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads the limit and offset query parameters. A missing or
// non-positive limit becomes def; limits above max are capped.
func FromContext(c echo.Context, def, max int) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

// Page wraps one page of a list response.
type Page[T any] struct {
	Data    []T  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

func NewPage[T any](data []T, total int, p Params) *Page[T] {
	if data == nil {
		data = []T{}
	}
	return &Page[T]{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
}

func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset never goes below zero.
func (p Params) PreviousOffset() int {
	return max(p.Offset-p.Limit, 0)
}

// Links builds an RFC 8288 Link header value with next and prev relations
// for u, keeping its other query parameters. It is empty on a single page.
func (p Params) Links(u *url.URL, total int) string {
	var links []string
	if p.HasNext(total) {
		links = append(links, link(u, p.Limit, p.NextOffset(), "next"))
	}
	if p.HasPrevious() {
		links = append(links, link(u, p.Limit, p.PreviousOffset(), "prev"))
	}
	return strings.Join(links, ", ")
}

func link(u *url.URL, limit, offset int, rel string) string {
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	return fmt.Sprintf("<%s?%s>; rel=%q", u.Path, q.Encode(), rel)
}

// SetLinkHeader sets the Link header on the response when there is more than
// one page.
func (p Params) SetLinkHeader(c echo.Context, total int) {
	if v := p.Links(c.Request().URL, total); v != "" {
		c.Response().Header().Set("Link", v)
	}
}
