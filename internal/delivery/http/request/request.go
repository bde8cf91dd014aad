package request

// SubmitCrawlRequest adds a URL to the running crawl.
type SubmitCrawlRequest struct {
	URL        string `json:"url"`
	ForceCrawl bool   `json:"force_crawl"`
}
