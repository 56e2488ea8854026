package extension

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostCompatible(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		hostVersion    string
		minHostVersion string
		compatible     bool
	}{
		{
			name:           "no minimum declared",
			hostVersion:    "1.2.0",
			minHostVersion: "",
			compatible:     true,
		},
		{
			name:           "host newer than minimum",
			hostVersion:    "1.4.0",
			minHostVersion: "1.2.0",
			compatible:     true,
		},
		{
			name:           "host equals minimum",
			hostVersion:    "1.2.0",
			minHostVersion: "1.2.0",
			compatible:     true,
		},
		{
			name:           "host older than minimum",
			hostVersion:    "1.1.9",
			minHostVersion: "1.2.0",
			compatible:     false,
		},
		{
			name:           "minimum with v prefix",
			hostVersion:    "2.0.0",
			minHostVersion: "v1.9.0",
			compatible:     true,
		},
		{
			name:           "prerelease host below release minimum",
			hostVersion:    "1.2.0-rc.1",
			minHostVersion: "1.2.0",
			compatible:     false,
		},
		{
			name:           "unparseable host never blocks",
			hostVersion:    "dev",
			minHostVersion: "1.2.0",
			compatible:     true,
		},
		{
			name:           "unparseable minimum never blocks",
			hostVersion:    "1.2.0",
			minHostVersion: "latest",
			compatible:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.compatible, HostCompatible(tt.hostVersion, tt.minHostVersion))
		})
	}
}
