package extension

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusValid(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusInstalled.Valid())
	assert.True(t, StatusDisabled.Valid())
	assert.False(t, Status("").Valid())
	assert.False(t, Status("pending").Valid())
}

func TestPackageMetadata_ComparisonVersion(t *testing.T) {
	t.Parallel()

	t.Run("prefers version string", func(t *testing.T) {
		t.Parallel()
		m := PackageMetadata{Version: 3, VersionString: "1.2.0"}
		assert.Equal(t, "1.2.0", m.ComparisonVersion())
	})

	t.Run("falls back to numeric version", func(t *testing.T) {
		t.Parallel()
		m := PackageMetadata{Version: 7}
		assert.Equal(t, "7", m.ComparisonVersion())
	})
}

func TestInstalledPackage_Disabled(t *testing.T) {
	t.Parallel()

	assert.False(t, InstalledPackage{Status: StatusInstalled}.Disabled())
	assert.True(t, InstalledPackage{Status: StatusDisabled}.Disabled())
}

func TestMediaID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "com.example.soundwave:track-42", MediaID("com.example.soundwave", "track-42"))
}

func TestSplitMediaID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mediaID     string
		extensionID string
		trackID     string
		ok          bool
	}{
		{
			name:        "simple id",
			mediaID:     "com.example.soundwave:track-42",
			extensionID: "com.example.soundwave",
			trackID:     "track-42",
			ok:          true,
		},
		{
			name:        "track id containing separator",
			mediaID:     "com.example.soundwave:album:7:track:42",
			extensionID: "com.example.soundwave",
			trackID:     "album:7:track:42",
			ok:          true,
		},
		{
			name:    "no separator",
			mediaID: "local-track-1",
			ok:      false,
		},
		{
			name:    "empty extension id",
			mediaID: ":track-42",
			ok:      false,
		},
		{
			name:    "empty track id",
			mediaID: "com.example.soundwave:",
			ok:      false,
		},
		{
			name:    "empty input",
			mediaID: "",
			ok:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			extensionID, trackID, ok := SplitMediaID(tt.mediaID)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.extensionID, extensionID)
			assert.Equal(t, tt.trackID, trackID)
		})
	}
}
