package domain

// Kind identifies a job type. The set of kinds is closed: every kind the
// queue accepts must have a payload schema registered for it.
type Kind string

const (
	// KindCrawl crawls a website starting from a seed URL.
	KindCrawl Kind = "crawl"
	// KindKeywordDiscovery discovers keywords for a project's domain.
	KindKeywordDiscovery Kind = "keyword_discovery"
	// KindContentPlan builds a content plan from discovered keywords.
	KindContentPlan Kind = "content_plan"
	// KindContentGeneration generates a draft for a planned article.
	KindContentGeneration Kind = "content_generation"
	// KindPublish publishes a finished article to a CMS.
	KindPublish Kind = "publish"
)

// Kinds returns every built-in job kind.
func Kinds() []Kind {
	return []Kind{
		KindCrawl,
		KindKeywordDiscovery,
		KindContentPlan,
		KindContentGeneration,
		KindPublish,
	}
}
