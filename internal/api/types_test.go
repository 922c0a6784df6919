package api

import (
	"encoding/json"
	"testing"
	"time"

	"remedy-engine/internal/guardian"
)

func TestIntervalRequest_Decode(t *testing.T) {
	tests := []struct {
		body    string
		want    time.Duration
		wantErr bool
	}{
		{`{"interval":"45s"}`, 45 * time.Second, false},
		{`{"interval":"10m"}`, 10 * time.Minute, false},
		{`{"interval":"1h30m"}`, 90 * time.Minute, false},
		{`{"interval":"fast"}`, 0, true},
		{`{"interval":30}`, 0, true},
		{`{}`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			var req IntervalRequest
			err := json.Unmarshal([]byte(tt.body), &req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decode %s: error = %v, wantErr %v", tt.body, err, tt.wantErr)
			}
			if !tt.wantErr && req.Interval.Duration != tt.want {
				t.Errorf("decode %s: interval = %s, want %s", tt.body, req.Interval.Duration, tt.want)
			}
		})
	}
}

func TestMonitorsResponse_EncodesIntervals(t *testing.T) {
	resp := MonitorsResponse{
		Running:       true,
		MinIntervalMs: (10 * time.Second).Milliseconds(),
		Monitors:      []guardian.Status{{Name: "disk_space", IntervalMs: 60000}},
	}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}

	var decoded struct {
		MinIntervalMs int64 `json:"min_interval_ms"`
		Monitors      []struct {
			Name       string `json:"name"`
			IntervalMs int64  `json:"interval_ms"`
		} `json:"monitors"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.MinIntervalMs != 10000 {
		t.Errorf("min_interval_ms = %d, want 10000", decoded.MinIntervalMs)
	}
	if len(decoded.Monitors) != 1 || decoded.Monitors[0].Name != "disk_space" || decoded.Monitors[0].IntervalMs != 60000 {
		t.Errorf("monitors = %+v, want disk_space at 60000ms", decoded.Monitors)
	}
}

func TestDuration_EncodesAsString(t *testing.T) {
	b, err := json.Marshal(IntervalRequest{Interval: Duration{Duration: 2 * time.Minute}})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"interval":"2m0s"}`; string(b) != want {
		t.Errorf("Marshal = %s, want %s", b, want)
	}
}
