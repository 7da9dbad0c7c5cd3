package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validJob() *Job {
	return &Job{
		ID:       "4b0f6c1e-5f0a-4bde-9e38-2a7d33b1f9a0",
		State:    JobStatePending,
		InputKey: "input/4b0f6c1e-5f0a-4bde-9e38-2a7d33b1f9a0/cat.png",
	}
}

func TestJob_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		mutate  func(j *Job)
		wantErr bool
	}{
		{name: "pending job", mutate: func(j *Job) {}},
		{name: "missing id", mutate: func(j *Job) { j.ID = "" }, wantErr: true},
		{name: "unknown state", mutate: func(j *Job) { j.State = "RUNNING" }, wantErr: true},
		{name: "missing input key", mutate: func(j *Job) { j.InputKey = "" }, wantErr: true},
		{name: "negative attempts", mutate: func(j *Job) { j.Attempts = -1 }, wantErr: true},
		{
			name: "done with output",
			mutate: func(j *Job) {
				j.State = JobStateDone
				j.OutputKey = OutputKey(j.ID)
			},
		},
		{name: "done without output", mutate: func(j *Job) { j.State = JobStateDone }, wantErr: true},
		{name: "pending with output", mutate: func(j *Job) { j.OutputKey = "outputs/x" }, wantErr: true},
		{
			name: "claimed with owner",
			mutate: func(j *Job) {
				j.State = JobStateClaimed
				j.ClaimedBy = "worker-1"
				j.ClaimedAt = &now
			},
		},
		{name: "processing without owner", mutate: func(j *Job) { j.State = JobStateProcessing }, wantErr: true},
		{name: "pending with owner", mutate: func(j *Job) { j.ClaimedBy = "worker-1" }, wantErr: true},
		{name: "pending with last error", mutate: func(j *Job) { j.LastError = "timeout" }},
		{name: "pending with error", mutate: func(j *Job) { j.Error = "timeout" }, wantErr: true},
		{
			name: "failed with error",
			mutate: func(j *Job) {
				j.State = JobStateFailed
				j.Error = "max retries exceeded: timeout"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := validJob()
			tt.mutate(j)

			err := j.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidRecord)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{JobStatePending, JobStateClaimed, true},
		{JobStatePending, JobStateProcessing, false},
		{JobStatePending, JobStateDone, false},
		{JobStateClaimed, JobStateProcessing, true},
		{JobStateClaimed, JobStatePending, true},
		{JobStateClaimed, JobStateFailed, true},
		{JobStateClaimed, JobStateDone, false},
		{JobStateProcessing, JobStateDone, true},
		{JobStateProcessing, JobStatePending, true},
		{JobStateProcessing, JobStateFailed, true},
		{JobStateDone, JobStatePending, false},
		{JobStateFailed, JobStatePending, false},
		{JobStateFailed, JobStateClaimed, false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestJob_IsStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-10 * time.Minute)
	recent := now.Add(-10 * time.Second)

	j := validJob()
	assert.False(t, j.IsStale(now, time.Minute), "pending jobs are never stale")

	j.State = JobStateClaimed
	j.ClaimedBy = "worker-1"
	j.ClaimedAt = &recent
	assert.False(t, j.IsStale(now, time.Minute))

	j.ClaimedAt = &old
	assert.True(t, j.IsStale(now, time.Minute))

	j.ClaimedAt = nil
	assert.True(t, j.IsStale(now, time.Minute))
}

func TestDecodeJob_LegacyRecord(t *testing.T) {
	// Records written before schema versioning carry only the core fields
	// and may include fields this version no longer knows about.
	legacy := []byte(`{
		"id": "job-1",
		"state": "PENDING",
		"input_key": "input/job-1/a.jpg",
		"attempts": 0,
		"priority": 5
	}`)

	job, err := DecodeJob(legacy)
	require.NoError(t, err)

	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, JobStatePending, job.State)
	assert.Equal(t, 1, job.SchemaVersion)
	assert.Zero(t, job.MaxAttempts)
	assert.Nil(t, job.ClaimedAt)
	assert.True(t, job.CreatedAt.IsZero())
}

func TestDecodeJob_MovesDiagnosticOffPendingRecords(t *testing.T) {
	data := []byte(`{
		"id": "job-1",
		"state": "PENDING",
		"input_key": "input/job-1/a.jpg",
		"attempts": 1,
		"error": "cannot decode image"
	}`)

	job, err := DecodeJob(data)
	require.NoError(t, err)
	assert.Empty(t, job.Error)
	assert.Equal(t, "cannot decode image", job.LastError)

	failed := []byte(`{"id":"job-2","state":"FAILED","input_key":"input/job-2/a.jpg","attempts":3,"error":"max retries exceeded"}`)
	job, err = DecodeJob(failed)
	require.NoError(t, err)
	assert.Equal(t, "max retries exceeded", job.Error)
	assert.Empty(t, job.LastError)
}

func TestDecodeJob_Invalid(t *testing.T) {
	_, err := DecodeJob([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = DecodeJob([]byte(`{"id":"x","state":"DONE","input_key":"input/x/a"}`))
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestEncodeJob(t *testing.T) {
	j := validJob()
	j.SchemaVersion = CurrentSchemaVersion

	data, err := EncodeJob(j)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "PENDING", fields["state"])
	assert.NotContains(t, fields, "output_key")
	assert.NotContains(t, fields, "claimed_by")
	assert.Contains(t, fields, "attempts")

	j.State = JobStateDone
	_, err = EncodeJob(j)
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestJob_Clone(t *testing.T) {
	now := time.Now()
	j := validJob()
	j.ClaimedAt = &now

	c := j.Clone()
	later := now.Add(time.Hour)
	*c.ClaimedAt = later

	assert.Equal(t, now, *j.ClaimedAt)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "jobs/abc", JobKey("abc"))
	assert.Equal(t, "outputs/abc", OutputKey("abc"))
	assert.Equal(t, "leases/abc/3", LeaseKey("abc", 3))

	tests := []struct {
		filename string
		want     string
	}{
		{"cat.png", "input/abc/cat.png"},
		{"../../etc/passwd", "input/abc/passwd"},
		{`C:\photos\dog.jpg`, "input/abc/dog.jpg"},
		{"", "input/abc/upload"},
		{"..", "input/abc/upload"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InputKey("abc", tt.filename), tt.filename)
	}

	id, ok := JobIDFromKey("jobs/abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = JobIDFromKey("outputs/abc")
	assert.False(t, ok)
	_, ok = JobIDFromKey("jobs/")
	assert.False(t, ok)
	_, ok = JobIDFromKey("jobs/a/b")
	assert.False(t, ok)
}
