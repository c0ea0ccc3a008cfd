package utils

import (
	"math"
	"net/http"
	"strconv"
)

type Page struct {
	Limit  int
	Offset int
	Number int
}

type PageMeta struct {
	TotalItems  int64 `json:"total_items"`
	TotalPages  int   `json:"total_pages"`
	CurrentPage int   `json:"current_page"`
	Limit       int   `json:"limit"`
}

func GetPage(r *http.Request) Page {
	limit := 10
	if val, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && val > 0 {
		limit = val
	}
	if limit > 100 {
		limit = 100
	}

	page := 1
	if val, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && val > 0 {
		page = val
	}

	return Page{Limit: limit, Offset: (page - 1) * limit, Number: page}
}

func (p Page) Meta(total int64) PageMeta {
	return PageMeta{
		TotalItems:  total,
		TotalPages:  int(math.Ceil(float64(total) / float64(p.Limit))),
		CurrentPage: p.Number,
		Limit:       p.Limit,
	}
}
