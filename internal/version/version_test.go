package version

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyBuildInfo(t *testing.T) {
	oldVersion, oldRevision, oldDate := Version, Revision, BuildDate
	t.Cleanup(func() {
		Version, Revision, BuildDate = oldVersion, oldRevision, oldDate
	})

	Version, Revision, BuildDate = devVersion, "HEAD", "unknown"
	applyBuildInfo("v1.2.3", map[string]string{
		"vcs.revision": "0123456789abcdef0123",
		"vcs.modified": "true",
		"vcs.time":     "2025-03-01T10:00:00Z",
	})

	assert.Equal(t, "1.2.3", Version)
	assert.Equal(t, "0123456789ab-dirty", Revision)
	assert.Equal(t, "2025-03-01T10:00:00Z", BuildDate)
}

func TestApplyBuildInfo_KeepsLdflags(t *testing.T) {
	oldVersion, oldRevision, oldDate := Version, Revision, BuildDate
	t.Cleanup(func() {
		Version, Revision, BuildDate = oldVersion, oldRevision, oldDate
	})

	Version, Revision, BuildDate = "2.0.0", "abc123", "today"
	applyBuildInfo("(devel)", map[string]string{"vcs.revision": "ffff"})

	assert.Equal(t, "2.0.0", Version)
	assert.Equal(t, "abc123", Revision)
	assert.Equal(t, "today", BuildDate)
}

func TestDetailed(t *testing.T) {
	got := Detailed()
	assert.True(t, strings.HasPrefix(got, Version+" ("+Revision+";"))
	assert.Contains(t, got, runtime.GOOS+"/"+runtime.GOARCH)
}
