package domain

// Pagination asks for one page of a listing. PageToken is the opaque cursor returned
// as NextPageToken by the previous page; PageSize zero means the server default.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage is one page of results. An empty NextPageToken marks the last page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
