package categorizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resaleflow/automation-core/internal/app/domain/failure"
)

func TestClassifyRateLimitHeaderWinsOverStatus(t *testing.T) {
	c := New(nil)
	a := c.Classify(Input{
		HTTPStatus: 500, // would classify temporary on its own
		Headers:    map[string]string{"X-RateLimit-Remaining": "0"},
	})
	require.Equal(t, failure.CategoryRateLimit, a.Category)
	require.Equal(t, 0.95, a.Confidence)
}

func TestClassifyRetryAfterHeaderCappedByMaxDelay(t *testing.T) {
	c := New(nil)
	a := c.Classify(Input{
		Headers: map[string]string{"Retry-After": "100000"},
	})
	require.Equal(t, failure.CategoryRateLimit, a.Category)
	require.Equal(t, failure.Policies[failure.CategoryRateLimit].MaxDelay, a.RetryAfter)
}

func TestClassifyRetryAfterHonoredExactly(t *testing.T) {
	c := New(nil)
	a := c.Classify(Input{
		Headers: map[string]string{"Retry-After": "7"},
	})
	require.Equal(t, failure.CategoryRateLimit, a.Category)
	require.Equal(t, 7*time.Second, a.RetryAfter)
}

func TestClassifyByHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		want   failure.Category
	}{
		{400, failure.CategoryValidation},
		{409, failure.CategoryValidation},
		{422, failure.CategoryValidation},
		{401, failure.CategoryAuth},
		{403, failure.CategoryAuth},
		{404, failure.CategoryPermanent},
		{429, failure.CategoryRateLimit},
		{500, failure.CategoryTemporary},
		{503, failure.CategoryTemporary},
		{418, failure.CategoryMarketplaceError},
	}
	c := New(nil)
	for _, tc := range cases {
		a := c.Classify(Input{HTTPStatus: tc.status})
		require.Equal(t, tc.want, a.Category, "status %d", tc.status)
	}
}

func TestClassifyMarketplacePatternBeforeMessageFallback(t *testing.T) {
	patterns := PatternTable{
		"poshmark": {
			{CodeOrPattern: "LISTING_SOLD_OUT", Category: failure.CategoryPermanent},
			{CodeOrPattern: `(?i)closet too large`, IsRegex: true, Category: failure.CategoryMarketplaceError},
		},
	}
	c := New(patterns)

	a := c.Classify(Input{Marketplace: "poshmark", ErrorCode: "LISTING_SOLD_OUT", Message: "connection reset"})
	require.Equal(t, failure.CategoryPermanent, a.Category, "exact code match must win over the message's network phrasing")

	a = c.Classify(Input{Marketplace: "poshmark", Message: "your closet too large to share"})
	require.Equal(t, failure.CategoryMarketplaceError, a.Category)
}

func TestClassifyByMessageFallback(t *testing.T) {
	c := New(nil)
	require.Equal(t, failure.CategoryNetwork, c.Classify(Input{Message: "connection timed out"}).Category)
	require.Equal(t, failure.CategoryRateLimit, c.Classify(Input{Message: "too many requests, please slow down"}).Category)
	require.Equal(t, failure.CategoryValidation, c.Classify(Input{Message: "price field is required"}).Category)
}

func TestClassifyByErrorTypeName(t *testing.T) {
	c := New(nil)
	require.Equal(t, failure.CategoryNetwork, c.Classify(Input{ErrorTypeName: "TimeoutError"}).Category)
	require.Equal(t, failure.CategoryPermanent, c.Classify(Input{ErrorTypeName: "TypeError"}).Category)
}

func TestClassifyFallsBackToTemporary(t *testing.T) {
	c := New(nil)
	a := c.Classify(Input{})
	require.Equal(t, failure.CategoryTemporary, a.Category)
	require.Equal(t, 0.3, a.Confidence)
}

func TestClassifyAnalysisCarriesPolicyFields(t *testing.T) {
	c := New(nil)
	a := c.Classify(Input{HTTPStatus: 401})
	policy := failure.Policies[failure.CategoryAuth]
	require.Equal(t, policy.ShouldRetry, a.ShouldRetry)
	require.Equal(t, policy.MaxRetries, a.MaxRetries)
	require.True(t, a.RequiresUserIntervention)
}
