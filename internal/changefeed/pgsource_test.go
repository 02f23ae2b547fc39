package changefeed

import (
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestPublicationQueryQuotesName(t *testing.T) {
	assert.Equal(t,
		"SELECT 1 FROM pg_publication WHERE pubname = 'site''s_pub'",
		publicationQuery("site's_pub"),
	)
}

func TestCheckPublication(t *testing.T) {
	found := []*pgconn.Result{{Rows: [][][]byte{{[]byte("1")}}}}
	assert.NoError(t, checkPublication(found, "pulse_readings_pub"))

	err := checkPublication([]*pgconn.Result{{}}, "custom_pub")
	assert.ErrorIs(t, err, ErrPublicationMissing)
	assert.Contains(t, err.Error(), "custom_pub")

	assert.ErrorIs(t, checkPublication(nil, "custom_pub"), ErrPublicationMissing)
}
