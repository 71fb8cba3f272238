package payload

import (
	"net/url"
	"strings"
	"time"
)

// CrawlPayload starts a website crawl.
type CrawlPayload struct {
	URL      string `json:"url"`
	MaxPages int    `json:"maxPages,omitempty"`
	MaxDepth int    `json:"maxDepth,omitempty"`
}

// Validate implements Payload.
func (p CrawlPayload) Validate() error {
	if err := validateURL("url", p.URL); err != nil {
		return err
	}
	if p.MaxPages < 0 || p.MaxPages > 10000 {
		return invalid("maxPages", "must be between 0 and 10000")
	}
	if p.MaxDepth < 0 || p.MaxDepth > 10 {
		return invalid("maxDepth", "must be between 0 and 10")
	}
	return nil
}

// KeywordDiscoveryPayload discovers keywords around a set of seed terms.
type KeywordDiscoveryPayload struct {
	Seeds  []string `json:"seeds"`
	Locale string   `json:"locale,omitempty"`
	Limit  int      `json:"limit,omitempty"`
}

// Validate implements Payload.
func (p KeywordDiscoveryPayload) Validate() error {
	if len(p.Seeds) == 0 {
		return invalid("seeds", "is required")
	}
	for _, s := range p.Seeds {
		if strings.TrimSpace(s) == "" {
			return invalid("seeds", "must not contain blank terms")
		}
	}
	if p.Limit < 0 || p.Limit > 1000 {
		return invalid("limit", "must be between 0 and 1000")
	}
	return nil
}

// ContentPlanPayload builds a content plan from selected keywords.
type ContentPlanPayload struct {
	KeywordIDs  []string `json:"keywordIds"`
	HorizonDays int      `json:"horizonDays,omitempty"`
}

// Validate implements Payload.
func (p ContentPlanPayload) Validate() error {
	if len(p.KeywordIDs) == 0 {
		return invalid("keywordIds", "is required")
	}
	if p.HorizonDays < 0 || p.HorizonDays > 365 {
		return invalid("horizonDays", "must be between 0 and 365")
	}
	return nil
}

// ContentGenerationPayload drafts the article for one plan item.
type ContentGenerationPayload struct {
	PlanItemID  string `json:"planItemId"`
	Model       string `json:"model,omitempty"`
	TargetWords int    `json:"targetWords,omitempty"`
	Tone        string `json:"tone,omitempty"`
}

// Validate implements Payload.
func (p ContentGenerationPayload) Validate() error {
	if strings.TrimSpace(p.PlanItemID) == "" {
		return invalid("planItemId", "is required")
	}
	if p.TargetWords < 0 || p.TargetWords > 10000 {
		return invalid("targetWords", "must be between 0 and 10000")
	}
	return nil
}

// PublishMode selects how an article lands in the CMS.
type PublishMode string

const (
	PublishModeDraft   PublishMode = "draft"
	PublishModePublish PublishMode = "publish"
)

// PublishPayload pushes a finished article to a CMS integration.
type PublishPayload struct {
	ArticleID     string      `json:"articleId"`
	IntegrationID string      `json:"integrationId"`
	Mode          PublishMode `json:"mode,omitempty"`
	ScheduledAt   *time.Time  `json:"scheduledAt,omitempty"`
}

// Validate implements Payload.
func (p PublishPayload) Validate() error {
	if strings.TrimSpace(p.ArticleID) == "" {
		return invalid("articleId", "is required")
	}
	if strings.TrimSpace(p.IntegrationID) == "" {
		return invalid("integrationId", "is required")
	}
	switch p.Mode {
	case "", PublishModeDraft, PublishModePublish:
	default:
		return invalid("mode", "must be 'draft' or 'publish'")
	}
	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return invalid(field, "is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid(field, "is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid(field, "must use http or https")
	}
	if u.Host == "" {
		return invalid(field, "must be absolute")
	}
	return nil
}
