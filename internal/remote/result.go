package remote

// BulkResult reports the outcome of one unordered bulk write, decomposed
// per document class. Duplicate-key rejections are not failures: the
// intended remote state (record present) already holds, so callers count
// them as delivered. Err is set only when at least one document failed for
// a reason other than duplication; such a batch must not be marked synced.
type BulkResult struct {
	Written    int
	Duplicates int
	Failed     int
	Err        error
}

// OK reports whether every document is accounted for as written or
// duplicate.
func (r BulkResult) OK() bool {
	return r.Err == nil && r.Failed == 0
}

// Delivered returns the number of documents whose remote presence is now
// confirmed.
func (r BulkResult) Delivered() int {
	return r.Written + r.Duplicates
}
