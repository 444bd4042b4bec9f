package scrape

// Output size model: the rewrite is roughly as long as the truncated source,
// plus the JSON envelope and the four insight lists.
const (
	rewriteRatio    = 0.9
	insightOverhead = 1200
)

// EstimateChars predicts the generated object size for a source of sourceChars,
// after truncation to maxSource, clamped to [lo, hi].
func EstimateChars(sourceChars, maxSource, lo, hi int) int {
	if maxSource > 0 && sourceChars > maxSource {
		sourceChars = maxSource
	}
	n := int(float64(sourceChars)*rewriteRatio) + insightOverhead
	if lo > 0 && n < lo {
		n = lo
	}
	if hi > 0 && n > hi {
		n = hi
	}
	return n
}
