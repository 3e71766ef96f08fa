package connmgr

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusDisconnected, StatusConnecting, true},
		{StatusDisconnected, StatusConnected, false},
		{StatusConnecting, StatusConnected, true},
		{StatusConnecting, StatusError, true},
		{StatusConnected, StatusReconnecting, true},
		{StatusConnected, StatusConnecting, false},
		{StatusReconnecting, StatusConnected, true},
		{StatusReconnecting, StatusError, true},
		{StatusError, StatusConnected, false},
		{StatusError, StatusReconnecting, false},
		{StatusError, StatusConnecting, true},
		{StatusError, StatusDisconnected, true},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(map[string]Status{"status": StatusReconnecting})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"status":"reconnecting"}` {
		t.Errorf("unexpected JSON %s", data)
	}
	if Status(42).String() != "unknown" {
		t.Errorf("expected unknown for out-of-range status")
	}

	var decoded struct {
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Status != StatusReconnecting {
		t.Errorf("decoded %s, want reconnecting", decoded.Status)
	}
	if err := json.Unmarshal([]byte(`{"status":"sleeping"}`), &decoded); err == nil {
		t.Error("expected error for unknown status name")
	}
}

func TestHistoryRingBuffer(t *testing.T) {
	var h history
	if h.list() != nil {
		t.Error("expected nil list for empty history")
	}

	base := time.Now()
	for i := 0; i < historySize+10; i++ {
		h.record(Transition{Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	got := h.list()
	if len(got) != historySize {
		t.Fatalf("expected %d entries, got %d", historySize, len(got))
	}
	if !got[0].Timestamp.Equal(base.Add(10 * time.Second)) {
		t.Errorf("oldest entry should be #10, got %s", got[0].Timestamp.Sub(base))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Fatalf("entries out of order at %d", i)
		}
	}
}
