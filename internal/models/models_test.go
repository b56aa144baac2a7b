package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseJobStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want JobStatus
	}{
		{raw: "COMPLETED", want: JobStatusCompleted},
		{raw: "FAILED", want: JobStatusFailed},
		{raw: "IN_QUEUE", want: JobStatusInProgress},
		{raw: "IN_PROGRESS", want: JobStatusInProgress},
		{raw: "", want: JobStatusInProgress},
		{raw: "failed", want: JobStatusInProgress},
		{raw: "completed", want: JobStatusInProgress},
		{raw: " FAILED ", want: JobStatusInProgress},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseJobStatus(tt.raw))
		})
	}
}
