// Package categorizer implements the Failure Categorizer (C4): it maps a raw
// marketplace error into the closed set of failure categories in
// internal/app/domain/failure, following the classification order in
// spec.md §4.4.
package categorizer

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	core "github.com/resaleflow/automation-core/internal/app/core/service"
	"github.com/resaleflow/automation-core/internal/app/domain/failure"
	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
)

// Input is the raw error context a caller supplies to Classify.
type Input struct {
	Marketplace   marketplace.Tag
	HTTPStatus    int
	Headers       map[string]string // response headers, case-insensitive lookup via Header
	ErrorCode     string
	Message       string
	ErrorTypeName string // e.g. "TimeoutError", "TypeError"
	AttemptNumber int
}

// Header looks up a header case-insensitively, matching how marketplaces
// mix casing conventions.
func (in Input) Header(name string) (string, bool) {
	for k, v := range in.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

var rateLimitHeaders = []string{"X-RateLimit-Remaining", "X-Rate-Limit-Remaining", "Retry-After", "RateLimit-Remaining"}

var (
	networkPattern    = regexp.MustCompile(`(?i)timeout|timed out|connection reset|connection refused|econnreset|network|dns|dial`)
	rateLimitPattern  = regexp.MustCompile(`(?i)rate limit|too many requests|throttle`)
	validationPattern = regexp.MustCompile(`(?i)invalid|required field|is required|must be|validation failed|malformed`)
)

// MarketplacePattern is one entry of a marketplace-specific error-code/regex
// table (spec.md §4.4 step 3).
type MarketplacePattern struct {
	CodeOrPattern string // exact error code match, or a regex if IsRegex
	IsRegex       bool
	Category      failure.Category
}

// PatternTable maps a marketplace tag to its ordered list of patterns,
// checked before the generic message/error-type fallbacks.
type PatternTable map[marketplace.Tag][]MarketplacePattern

// Categorizer classifies raw failures. It holds no mutable state and is safe
// for concurrent use.
type Categorizer struct {
	patterns PatternTable
}

// New builds a Categorizer with an optional marketplace-specific pattern
// table; a nil table skips step 3 of the classification order.
func New(patterns PatternTable) *Categorizer {
	if patterns == nil {
		patterns = PatternTable{}
	}
	return &Categorizer{patterns: patterns}
}

// Descriptor advertises placement for system.CollectDescriptors.
func (c *Categorizer) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "failure-categorizer",
		Domain:       "resilience",
		Layer:        core.LayerEngine,
		Capabilities: []string{"classify"},
	}
}

// Classify runs the classification order from spec.md §4.4: rate-limit
// headers, HTTP status, marketplace pattern table, message regex,
// error-type name, then a temporary fallback.
func (c *Categorizer) Classify(in Input) failure.Analysis {
	if cat, reasoning, retryAfter, ok := c.byHeaders(in); ok {
		a := failure.NewAnalysis(cat, in.ErrorTypeName, 0.95, reasoning)
		a.RetryAfter = retryAfter
		return a
	}
	if cat, reasoning, ok := byStatus(in.HTTPStatus); ok {
		return failure.NewAnalysis(cat, in.ErrorTypeName, 0.85, reasoning)
	}
	if cat, reasoning, ok := c.byMarketplacePattern(in); ok {
		return failure.NewAnalysis(cat, in.ErrorTypeName, 0.75, reasoning)
	}
	if cat, reasoning, ok := byMessage(in.Message); ok {
		return failure.NewAnalysis(cat, in.ErrorTypeName, 0.55, reasoning)
	}
	if cat, reasoning, ok := byErrorType(in.ErrorTypeName); ok {
		return failure.NewAnalysis(cat, in.ErrorTypeName, 0.45, reasoning)
	}
	return failure.NewAnalysis(failure.CategoryTemporary, in.ErrorTypeName, 0.3, "no classifier matched; defaulting to temporary")
}

func (c *Categorizer) byHeaders(in Input) (failure.Category, string, time.Duration, bool) {
	for _, h := range rateLimitHeaders {
		if _, ok := in.Header(h); ok {
			var retryAfter time.Duration
			if ra, ok := in.Header("Retry-After"); ok {
				if secs, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil {
					retryAfter = time.Duration(secs) * time.Second
					if max := failure.Policies[failure.CategoryRateLimit].MaxDelay; retryAfter > max {
						retryAfter = max
					}
				}
			}
			return failure.CategoryRateLimit, "rate-limit header present: " + h, retryAfter, true
		}
	}
	return "", "", 0, false
}

func byStatus(status int) (failure.Category, string, bool) {
	switch {
	case status == 0:
		return "", "", false
	case status == 400 || status == 409 || status == 422:
		return failure.CategoryValidation, "http status indicates validation failure", true
	case status == 401 || status == 403:
		return failure.CategoryAuth, "http status indicates auth failure", true
	case status == 404:
		return failure.CategoryPermanent, "http 404: resource gone", true
	case status == 429:
		return failure.CategoryRateLimit, "http 429", true
	case status >= 500 && status < 600:
		return failure.CategoryTemporary, "http 5xx: server-side failure", true
	case status >= 400 && status < 500:
		return failure.CategoryMarketplaceError, "unclassified 4xx", true
	default:
		return "", "", false
	}
}

func (c *Categorizer) byMarketplacePattern(in Input) (failure.Category, string, bool) {
	for _, p := range c.patterns[in.Marketplace] {
		if p.IsRegex {
			if re, err := regexp.Compile(p.CodeOrPattern); err == nil && re.MatchString(in.ErrorCode+" "+in.Message) {
				return p.Category, "marketplace pattern matched: " + p.CodeOrPattern, true
			}
			continue
		}
		if in.ErrorCode == p.CodeOrPattern {
			return p.Category, "marketplace error code matched: " + p.CodeOrPattern, true
		}
	}
	return "", "", false
}

func byMessage(msg string) (failure.Category, string, bool) {
	switch {
	case msg == "":
		return "", "", false
	case networkPattern.MatchString(msg):
		return failure.CategoryNetwork, "message matches network/timeout pattern", true
	case rateLimitPattern.MatchString(msg):
		return failure.CategoryRateLimit, "message matches rate-limit phrasing", true
	case validationPattern.MatchString(msg):
		return failure.CategoryValidation, "message matches validation phrasing", true
	default:
		return "", "", false
	}
}

func byErrorType(name string) (failure.Category, string, bool) {
	lower := strings.ToLower(name)
	switch {
	case lower == "":
		return "", "", false
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "abort") || strings.Contains(lower, "network"):
		return failure.CategoryNetwork, "error type name indicates network failure", true
	case strings.Contains(lower, "type") || strings.Contains(lower, "reference") || strings.Contains(lower, "syntax"):
		return failure.CategoryPermanent, "error type name indicates a programming error", true
	default:
		return "", "", false
	}
}
