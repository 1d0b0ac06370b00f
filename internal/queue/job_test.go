package queue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTier_Names(t *testing.T) {
	t.Parallel()

	for i, tier := range Tiers {
		parsed, err := ParseTier(tier.String())
		require.NoError(t, err)
		assert.Equal(t, tier, parsed)
		assert.Equal(t, Tier(i), tier, "tiers are listed most urgent first")
	}

	parsed, err := ParseTier(" BULK ")
	require.NoError(t, err)
	assert.Equal(t, TierBulk, parsed)

	_, err = ParseTier("urgent")
	assert.Error(t, err)

	assert.False(t, Tier(9).Valid())
	assert.Equal(t, "tier(9)", Tier(9).String())
	_, err = Tier(9).MarshalText()
	assert.Error(t, err)
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	base := errors.New("bad payload")
	err := fmt.Errorf("handler: %w", Permanent(base))
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}

func TestJob_Clone(t *testing.T) {
	t.Parallel()

	j := &Job{ID: "1", Payload: []byte("abc")}
	c := j.Clone()
	c.Payload[0] = 'x'
	assert.Equal(t, []byte("abc"), j.Payload)
}
