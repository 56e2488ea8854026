package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()

	assert.Equal(t, 10*time.Second, config.CallTimeout)
	assert.Equal(t, 30*time.Second, config.LoadTimeout)
	assert.Equal(t, 2*time.Second, config.CloseTimeout)
	assert.True(t, config.AllowNetwork)
	assert.Equal(t, uint32(4*1024*1024), config.MaxResultBytes)
	assert.Equal(t, int64(8*1024*1024), config.MaxFetchBytes)
}

func TestPackResult(t *testing.T) {
	t.Parallel()

	t.Run("round trips pointer and length", func(t *testing.T) {
		t.Parallel()

		cases := []struct {
			ptr    uint32
			length uint32
		}{
			{0, 0},
			{1, 0},
			{0, 1},
			{1024, 57},
			{8192, 4 * 1024 * 1024},
			{0xffffffff, 0xffffffff},
		}
		for _, tc := range cases {
			ptr, length := splitResult(packResult(tc.ptr, tc.length))
			assert.Equal(t, tc.ptr, ptr)
			assert.Equal(t, tc.length, length)
		}
	})

	t.Run("pointer occupies the high word", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, uint64(0x0000040000000039), packResult(1024, 57))
	})
}
