package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{JobStatusStarting, false},
		{JobStatusProcessing, false},
		{JobStatusSucceeded, true},
		{JobStatusFailed, true},
		{JobStatusCanceled, true},
		{"", false},
		{"paused", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTerminal(tt.status), "status %q", tt.status)
	}
}

func TestValidStatus(t *testing.T) {
	for _, status := range []string{
		JobStatusStarting, JobStatusProcessing, JobStatusSucceeded,
		JobStatusFailed, JobStatusCanceled,
	} {
		assert.True(t, ValidStatus(status), "status %q", status)
	}

	for _, status := range []string{"", "pending", "cancelled", "SUCCEEDED"} {
		assert.False(t, ValidStatus(status), "status %q", status)
	}
}

func TestValidKind(t *testing.T) {
	for _, kind := range []string{KindTxt, KindJSON, KindSrt, KindVtt} {
		assert.True(t, ValidKind(kind), "kind %q", kind)
	}

	for _, kind := range []string{"", "pdf", "TXT"} {
		assert.False(t, ValidKind(kind), "kind %q", kind)
	}
}
