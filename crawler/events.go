package crawler

// CrawlEvent reports progress after one visit.
type CrawlEvent struct {
	URL       string
	Depth     int
	Links     int   // links found on the page
	Enqueued  int   // of those, newly accepted by the frontier
	Err       error // visit error, if any
	Processed int   // visits returned so far
	Accepted  int   // URLs accepted by the frontier so far
	Pending   int   // accepted URLs not yet dispatched
	InFlight  int   // visits still running
}
