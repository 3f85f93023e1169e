package uri

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromPathToPathRoundTrip(t *testing.T) {
	u := FromPath("/tmp/example/foo.go")
	assert.Equal(t, "file:///tmp/example/foo.go", string(u))

	p, err := ToPath(u)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/example/foo.go", p)
}

func TestFromPathPercentEncodesNonASCII(t *testing.T) {
	u := FromPath("/tmp/ünïcode/日本語.go")
	assert.Equal(t, "file:///tmp/%C3%BCn%C3%AFcode/%E6%97%A5%E6%9C%AC%E8%AA%9E.go", string(u))

	p, err := ToPath(u)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ünïcode/日本語.go", p)
}

func TestFromPathPreservesSpaces(t *testing.T) {
	u := FromPath("/tmp/my project/file.ts")
	assert.Equal(t, "file:///tmp/my%20project/file.ts", string(u))

	p, err := ToPath(u)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/my project/file.ts", p)
}

func TestToPathEmpty(t *testing.T) {
	p, err := ToPath("")
	require.NoError(t, err)
	assert.Equal(t, "", p)
}

func TestToPathRejectsNonFileScheme(t *testing.T) {
	_, err := ToPath("https://example.com/foo")
	assert.Error(t, err)
}

func TestToPathWindowsDriveUppercased(t *testing.T) {
	p, err := ToPath("file:///c:/project/readme.md")
	require.NoError(t, err)
	assert.Equal(t, "C:/project/readme.md", filepathToSlash(p))
}

func TestNormalizeHandlesTwoSlashForm(t *testing.T) {
	n, err := Normalize("file://c:/project/readme.md")
	require.NoError(t, err)
	assert.Equal(t, "file:///C:/project/readme.md", string(n))
}

// filepathToSlash avoids importing path/filepath in the test just to
// normalize separators for the assertion above across platforms.
func filepathToSlash(p string) string {
	out := make([]byte, len(p))
	for i := 0; i < len(p); i++ {
		if p[i] == '\\' {
			out[i] = '/'
		} else {
			out[i] = p[i]
		}
	}
	return string(out)
}
