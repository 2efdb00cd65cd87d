package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestEventValidate exercises the per-stage validation rules.
func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name    string
		evt     Event
		wantErr string
	}{
		{
			name: "valid job start",
			evt:  Event{JobID: "a1b2c3d4", TS: now, Stage: StageJobStart},
		},
		{
			name: "valid cancelled",
			evt:  Event{JobID: "a1b2c3d4", TS: now, Stage: StageJobCancelled},
		},
		{
			name: "valid fetch done",
			evt: Event{
				JobID:       "a1b2c3d4",
				TS:          now,
				Stage:       StageFetchDone,
				Site:        "https://example.com",
				StatusClass: Status2xx,
			},
		},
		{
			name:    "missing job id",
			evt:     Event{TS: now, Stage: StageJobStart},
			wantErr: "job id is required",
		},
		{
			name:    "missing timestamp",
			evt:     Event{JobID: "a1b2c3d4", Stage: StageJobStart},
			wantErr: "timestamp is required",
		},
		{
			name:    "fetch start without site",
			evt:     Event{JobID: "a1b2c3d4", TS: now, Stage: StageFetchStart},
			wantErr: "fetch start requires site",
		},
		{
			name: "fetch done without status class",
			evt: Event{
				JobID: "a1b2c3d4",
				TS:    now,
				Stage: StageFetchDone,
				Site:  "https://example.com",
			},
			wantErr: "fetch done requires status class",
		},
		{
			name:    "unknown stage",
			evt:     Event{JobID: "a1b2c3d4", TS: now, Stage: Stage("BOGUS")},
			wantErr: `unknown stage "BOGUS"`,
		},
		{
			name:    "negative duration",
			evt:     Event{JobID: "a1b2c3d4", TS: now, Stage: StageJobDone, Dur: -time.Second},
			wantErr: "duration must be >= 0",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tc.wantErr)
		})
	}
}

// TestClassifyStatus checks status code grouping across the boundaries.
func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(200))
	require.Equal(t, Status2xx, ClassifyStatus(204))
	require.Equal(t, Status3xx, ClassifyStatus(301))
	require.Equal(t, Status4xx, ClassifyStatus(404))
	require.Equal(t, Status4xx, ClassifyStatus(429))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
	require.Equal(t, StatusOther, ClassifyStatus(999))
}
