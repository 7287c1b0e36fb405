package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadBuild_Override(t *testing.T) {
	b := readBuild("0123456789abcdef")
	assert.Equal(t, "01234567", b.Commit)

	b = readBuild("  abc ")
	assert.Equal(t, "abc", b.Commit)
}

func TestUserAgent(t *testing.T) {
	assert.True(t, strings.HasPrefix(UserAgent(), "jobstream/"))
	assert.Equal(t, GitCommit, Current().Commit)
	assert.LessOrEqual(t, len(GitCommit), 8)
}
