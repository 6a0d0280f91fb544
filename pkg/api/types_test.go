package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParametersUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Parameters
		wantErr bool
	}{
		{name: "object", body: `{"parameters":{"epochs":3}}`, want: Parameters{"epochs": float64(3)}},
		{name: "string holding object", body: `{"parameters":"{\"lr\":\"0.1\"}"}`, want: Parameters{"lr": "0.1"}},
		{name: "empty string", body: `{"parameters":""}`, want: nil},
		{name: "null", body: `{"parameters":null}`, want: nil},
		{name: "absent", body: `{}`, want: nil},
		{name: "array", body: `{"parameters":[1,2]}`, wantErr: true},
		{name: "string holding garbage", body: `{"parameters":"not json"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req SubmitRequest
			err := json.Unmarshal([]byte(tt.body), &req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.Parameters)
		})
	}
}

func TestErrorResponseShape(t *testing.T) {
	b, err := json.Marshal(ErrorResponse{Error: ErrorBody{Code: CodeNoTask, Message: "no task available"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":{"code":"NO_TASK","message":"no task available"}}`, string(b))
}
