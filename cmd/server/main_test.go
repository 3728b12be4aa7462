package main

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNotifySystemd_Errors(t *testing.T) {
	tests := []struct {
		name    string
		socket  func(t *testing.T) string
		wantErr string
	}{
		{"no socket", func(*testing.T) string { return "" }, "NOTIFY_SOCKET not set"},
		{"missing socket file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "gone.sock") }, "READY=1: dial failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NOTIFY_SOCKET", tt.socket(t))

			err := notifySystemd("READY=1")
			if err == nil {
				t.Fatal("notifySystemd() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestNotifySystemd_SendsState(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	for _, state := range []string{"READY=1", "STOPPING=1"} {
		if err := notifySystemd(state); err != nil {
			t.Fatalf("notifySystemd(%q) = %v, want nil", state, err)
		}

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 64)
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			t.Fatalf("read from socket: %v", err)
		}
		if got := string(buf[:n]); got != state {
			t.Errorf("payload = %q, want %q", got, state)
		}
	}
}
