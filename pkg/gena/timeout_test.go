package gena

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func itoa(n int) string { return strconv.Itoa(n) }

func TestFormatTimeout(t *testing.T) {
	assert.Equal(t, "Second-300", formatTimeout(300*time.Second))
	assert.Equal(t, "Second-1", formatTimeout(10*time.Millisecond))
}

func TestParseTimeout(t *testing.T) {
	fallback := 42 * time.Second
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"Second-1800", 1800 * time.Second},
		{"second-30", 30 * time.Second},
		{" Second-5 ", 5 * time.Second},
		{"infinite", fallback},
		{"Second-infinite", fallback},
		{"Second-0", fallback},
		{"", fallback},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseTimeout(tt.in, fallback), tt.in)
	}
}

func TestRenewAfter(t *testing.T) {
	assert.Equal(t, 150*time.Second, renewAfter(300*time.Second))
	assert.Equal(t, time.Second, renewAfter(time.Second))
}
