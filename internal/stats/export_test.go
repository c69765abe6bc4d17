package stats

// endOfData returns the latched end-of-data page, if any.
func (a *Aggregator) endOfData() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats.NoMoreReviewsPageNumber, a.stats.NoMoreReviewsPageNumber > 0
}
