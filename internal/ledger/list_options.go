package ledger

// SortOrder defines how transactions should be ordered when listing.
type SortOrder int

const (
	// SortByCreatedDesc orders transactions newest first.
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc orders transactions oldest first.
	SortByCreatedAsc
)

// ListOptions controls how transactions are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	Categories []Category
	CreatedGTE int64
	CreatedLTE int64
	Order      SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 500 {
		opts.Limit = 500
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Categories != nil {
		opts.Categories = normalizeCategories(opts.Categories)
	}
	if opts.Order != SortByCreatedAsc {
		opts.Order = SortByCreatedDesc
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of transactions returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching transactions.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithCategories filters transactions by the provided categories.
func WithCategories(categories ...Category) ListOption {
	return func(opts *ListOptions) {
		opts.Categories = append(opts.Categories[:0], categories...)
	}
}

// WithCreatedSince filters transactions created at or after the unix instant.
func WithCreatedSince(ts int64) ListOption {
	return func(opts *ListOptions) {
		opts.CreatedGTE = ts
	}
}

// WithCreatedUntil filters transactions created at or before the unix instant.
func WithCreatedUntil(ts int64) ListOption {
	return func(opts *ListOptions) {
		opts.CreatedLTE = ts
	}
}

// WithSortOrder changes the returned order of transactions.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeCategories(input []Category) []Category {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Category]struct{}, len(input))
	result := make([]Category, 0, len(input))
	for _, category := range input {
		if !IsValidCategory(category) {
			continue
		}
		if _, ok := seen[category]; ok {
			continue
		}
		seen[category] = struct{}{}
		result = append(result, category)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
