package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentTransitions(t *testing.T) {
	tests := []struct {
		from, to DocumentStatus
		ok       bool
	}{
		{StatusUploaded, StatusExtracting, true},
		{StatusExtracting, StatusExtracted, true},
		{StatusExtracting, StatusExtractionFailed, true},
		{StatusExtracted, StatusNormalizing, true},
		{StatusNormalizing, StatusNormalized, true},
		{StatusNormalized, StatusDetecting, true},
		{StatusDetecting, StatusDetected, true},
		{StatusDetecting, StatusDetectionFailed, true},
		{StatusDetected, StatusDone, true},
		{StatusUploaded, StatusNormalizing, false},
		{StatusExtracted, StatusExtracting, false},
		{StatusDone, StatusUploaded, false},
		{StatusExtractionFailed, StatusExtracting, false},
		{StatusNormalizationFailed, StatusNormalized, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := CheckTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrIllegalTransition)
			}
		})
	}
}

func TestTerminalStatusesOnlyLeaveThroughResubmit(t *testing.T) {
	all := []DocumentStatus{
		StatusUploaded, StatusExtracting, StatusExtracted, StatusExtractionFailed,
		StatusNormalizing, StatusNormalized, StatusNormalizationFailed,
		StatusDetecting, StatusDetected, StatusDetectionFailed, StatusDone,
	}
	for _, from := range all {
		require.True(t, from.Valid())
		if !from.IsTerminal() {
			assert.Error(t, CheckResubmit(from))
			continue
		}
		assert.NoError(t, CheckResubmit(from))
		for _, to := range all {
			assert.False(t, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestFindingTransitions(t *testing.T) {
	assert.True(t, FindingDismissed.CanTransition(FindingReopened))
	assert.True(t, FindingResolved.CanTransition(FindingReopened))
	assert.True(t, FindingOpen.CanTransition(FindingDismissed))
	assert.False(t, FindingOpen.CanTransition(FindingReopened))
	assert.ErrorIs(t, CheckFindingTransition(FindingReopened, FindingOpen), ErrIllegalTransition)

	assert.True(t, FindingOpen.IsActive())
	assert.True(t, FindingReopened.IsActive())
	assert.False(t, FindingDismissed.IsActive())
}

func TestActionRunStatus(t *testing.T) {
	assert.True(t, RunSent.AlreadyDispatched())
	assert.True(t, RunDelivered.AlreadyDispatched())
	assert.False(t, RunQueued.AlreadyDispatched())
	assert.NoError(t, CheckRunTransition(RunQueued, RunSending))
	assert.ErrorIs(t, CheckRunTransition(RunResolved, RunQueued), ErrIllegalTransition)
}

func TestDate(t *testing.T) {
	d, err := ParseDate("2024-03-17")
	require.NoError(t, err)
	assert.Equal(t, "2024-03", d.MonthKey())
	assert.Equal(t, "2024-03-01", d.MonthStart().String())
	assert.Equal(t, "2024-03-31", d.MonthEnd().String())

	ts, err := ParseDate("2024-02-29T23:10:00Z")
	require.NoError(t, err)
	assert.Equal(t, "2024-02-29", ts.String())
	assert.Equal(t, "2024-02-29", ts.MonthEnd().String())

	assert.Equal(t, 2, DaysBetween(NewDate(2024, time.March, 1), NewDate(2024, time.March, 3)))
	assert.Equal(t, 2, DaysBetween(NewDate(2024, time.March, 3), NewDate(2024, time.March, 1)))

	var scanned Date
	require.NoError(t, scanned.Scan([]byte("2024-01-05")))
	assert.Equal(t, "2024-01-05", scanned.String())

	_, err = ParseDate("05/01/2024")
	assert.Error(t, err)
}
