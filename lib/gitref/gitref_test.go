package gitref

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	for _, test := range []struct {
		in       string
		wantName string
		wantKind Kind
	}{
		{"main", "main", KindBranch},
		{"feature/x", "feature/x", KindBranch},
		{"refs/heads/main", "main", KindBranch},
		{"heads/dev", "dev", KindBranch},
		{"refs/tags/v1.0", "v1.0", KindTag},
		{"tags/v2", "v2", KindTag},
		{"0123456789abcdef0123456789abcdef01234567", "0123456789abcdef0123456789abcdef01234567", KindCommit},
		{"0123456789ABCDEF0123456789abcdef01234567", "0123456789abcdef0123456789abcdef01234567", KindCommit},
		// 40 chars but not hex is a branch name
		{"0123456789abcdef0123456789abcdef0123456z", "0123456789abcdef0123456789abcdef0123456z", KindBranch},
		// 39 chars of hex is a branch name
		{"0123456789abcdef0123456789abcdef0123456", "0123456789abcdef0123456789abcdef0123456", KindBranch},
	} {
		ref := Parse(test.in)
		assert.Equal(t, test.wantName, ref.Name, test.in)
		assert.Equal(t, test.wantKind, ref.Kind, test.in)
	}
}

func TestWritable(t *testing.T) {
	assert.True(t, Parse("main").Writable())
	assert.False(t, Parse("tags/v1").Writable())
	assert.False(t, Parse("0123456789abcdef0123456789abcdef01234567").Writable())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "branch", KindBranch.String())
	assert.Equal(t, "tag", KindTag.String())
	assert.Equal(t, "commit", KindCommit.String())
}
