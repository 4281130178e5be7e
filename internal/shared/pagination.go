package shared

// Page size bounds for listings that accept page and per_page parameters.
const (
	DefaultPerPage = 20
	MaxPerPage     = 200
)

// Pagination describes one page of a listing. Page is 1-based.
type Pagination struct {
	Page       int
	PerPage    int
	Total      int
	TotalPages int
}

// NewPagination normalises page and perPage and derives the page count for
// total items. perPage is clamped to MaxPerPage.
func NewPagination(page, perPage, total int) Pagination {
	switch {
	case perPage <= 0:
		perPage = DefaultPerPage
	case perPage > MaxPerPage:
		perPage = MaxPerPage
	}
	if page <= 0 {
		page = 1
	}
	if total < 0 {
		total = 0
	}
	return Pagination{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: (total + perPage - 1) / perPage,
	}
}

// Offset is the zero-based index of the page's first item.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// HasNext reports whether a later page holds items.
func (p Pagination) HasNext() bool {
	return p.Page < p.TotalPages
}
