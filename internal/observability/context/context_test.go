package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValuesAreScopedPerContext(t *testing.T) {
	base := context.Background()
	a := WithSiteID(base, " site-a ")
	b := WithSiteID(base, "site-b")

	assert.Equal(t, "site-a", SiteIDFromContext(a))
	assert.Equal(t, "site-b", SiteIDFromContext(b))
	assert.Equal(t, "", SiteIDFromContext(base))
	assert.Equal(t, "", RequestIDFromContext(nil))
}
