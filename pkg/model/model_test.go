package model

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    Amount
		wantErr bool
	}{
		{in: "12", want: 1200},
		{in: "1.8", want: 180},
		{in: "48.20", want: 4820},
		{in: ".5", want: 50},
		{in: "1.004", want: 100},
		{in: "1.005", want: 101},
		{in: "-0.005", want: -1},
		{in: "+2.10", want: 210},
		{in: "1e2", want: 10000},
		{in: "", wantErr: true},
		{in: ".", wantErr: true},
		{in: "1.2x", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "92233720368547758.07", want: MaxAmount},
		{in: "-92233720368547758.07", want: -MaxAmount},
		{in: "92233720368547758.08", wantErr: true},
		{in: "92233720368547759", wantErr: true},
		{in: "184467440737095517", wantErr: true},
		{in: "99999999999999999999", wantErr: true},
		{in: "1e30", wantErr: true},
		{in: "-1e30", wantErr: true},
		{in: "1e400", wantErr: true},
		{in: "1-2", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidation(err), err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAmountJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Cost Amount `json:"cost"`
	}{Cost: 180})
	require.NoError(t, err)
	assert.JSONEq(t, `{"cost": 1.80}`, string(b))
	assert.Contains(t, string(b), "1.80")

	var v struct {
		Cost Amount `json:"cost"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"cost": 48.2}`), &v))
	assert.Equal(t, Amount(4820), v.Cost)

	require.NoError(t, json.Unmarshal([]byte(`{"cost": "0.07"}`), &v))
	assert.Equal(t, Amount(7), v.Cost)

	assert.Equal(t, "-0.05", Amount(-5).String())
}

func TestJobStatusTransitions(t *testing.T) {
	legal := map[JobStatus][]JobStatus{
		JobPending: {JobRunning},
		JobRunning: {JobCompleted, JobFailed, JobPending},
	}
	all := []JobStatus{JobPending, JobRunning, JobCompleted, JobFailed}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range legal[from] {
				if ok == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.False(t, JobRunning.Terminal())

	s, ok := ParseJobStatus(" Running ")
	assert.True(t, ok)
	assert.Equal(t, JobRunning, s)
	_, ok = ParseJobStatus("paused")
	assert.False(t, ok)
}

func TestJobClone(t *testing.T) {
	w := "w1"
	j := Job{AssignedWorker: &w, Parameters: map[string]any{"k": "v"}}
	c := j.Clone()

	*c.AssignedWorker = "w2"
	c.Parameters["k"] = "changed"

	assert.Equal(t, "w1", j.Worker())
	assert.Equal(t, "v", j.Parameters["k"])
}

func TestOpError(t *testing.T) {
	err := Errorf(ErrConflict, "report", "job", "j1", "job is %s", JobCompleted)
	assert.Equal(t, "report job j1: conflict: job is completed", err.Error())
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))

	var op *OpError
	require.True(t, errors.As(err, &op))
	assert.Equal(t, "j1", op.ID)

	assert.Equal(t, "get worker w9: not found", NotFound("get", "worker", "w9").Error())
	assert.True(t, IsValidation(Invalid("submit", "bad")))
}

func TestWorkerFits(t *testing.T) {
	w := Worker{CPUCores: 4, RAMMB: 8192}
	assert.True(t, w.Fits(Job{RequiredCores: 4, RequiredRAMMB: 8192}))
	assert.False(t, w.Fits(Job{RequiredCores: 5, RequiredRAMMB: 1}))
	assert.False(t, w.Fits(Job{RequiredCores: 1, RequiredRAMMB: 8193}))
}

func TestAmountAdd(t *testing.T) {
	tests := []struct {
		name   string
		a, b   Amount
		want   Amount
		wantOK bool
	}{
		{name: "plain", a: 4820, b: 180, want: 5000, wantOK: true},
		{name: "negative", a: 100, b: -250, want: -150, wantOK: true},
		{name: "up to max", a: MaxAmount - 1, b: 1, want: MaxAmount, wantOK: true},
		{name: "past max", a: MaxAmount, b: 1},
		{name: "past min", a: -MaxAmount, b: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.a.Add(tt.b)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAmountStringExtremes(t *testing.T) {
	assert.Equal(t, "92233720368547758.07", MaxAmount.String())
	assert.Equal(t, "-92233720368547758.08", Amount(math.MinInt64).String())
	assert.Equal(t, "-0.05", Amount(-5).String())
}
