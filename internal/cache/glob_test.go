package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"t:app1:r:/products/42:*", "t:app1:r:/products/42:abc", true},
		{"t:app1:r:/products/42:*", "t:app1:r:/products/43:abc", false},
		{"t:app1:*", "t:app1:r:/a/b/c:ff", true},
		{"t:app1:*", "t:app2:r:/a:ff", false},
		{"h?llo", "hello", true},
		{"h?llo", "hllo", false},
		{"h[ae]llo", "hallo", true},
		{"h[^e]llo", "hello", false},
		{"h[a-c]llo", "hbllo", true},
		{`a\*b`, "a*b", true},
		{`a\*b`, "axb", false},
		{"*", "", true},
		{"", "x", false},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "axxbyy", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.s, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, globMatch(tt.pattern, tt.s))
		})
	}
}

func TestEscapeGlob(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/plain/path", escapeGlob("/plain/path"))
	escaped := escapeGlob("/odd[1]*?")
	assert.Equal(t, `/odd\[1\]\*\?`, escaped)
	assert.True(t, globMatch(escaped, "/odd[1]*?"))
	assert.False(t, globMatch(escaped, "/odd1xx"))
}
