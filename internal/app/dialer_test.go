package app

import (
	"testing"
	"time"

	"github.com/skobkin/kiwilink/internal/config"
	"github.com/skobkin/kiwilink/internal/transport"
)

func TestNewDialer(t *testing.T) {
	tests := []struct {
		name      string
		transport config.TransportType
		pattern   string
		wantName  string
		wantErr   bool
	}{
		{name: "zmq", transport: config.TransportZMQ, pattern: config.VideoPatternSub, wantName: "zmq"},
		{name: "tcp", transport: config.TransportTCP, wantName: "tcp"},
		{name: "websocket", transport: config.TransportWebSocket, wantName: "ws"},
		{name: "unknown", transport: "serial", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default().Connection
			cfg.Transport = tt.transport
			if tt.pattern != "" {
				cfg.VideoPattern = tt.pattern
			}

			dialer, err := NewDialer(cfg, time.Second)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("new dialer: %v", err)
			}
			if dialer.Name() != tt.wantName {
				t.Fatalf("unexpected dialer %q, want %q", dialer.Name(), tt.wantName)
			}
		})
	}
}

func TestNewDialerKeepsVideoPattern(t *testing.T) {
	cfg := config.Default().Connection
	cfg.VideoPattern = config.VideoPatternPull

	dialer, err := NewDialer(cfg, time.Second)
	if err != nil {
		t.Fatalf("new dialer: %v", err)
	}
	zmqDialer, ok := dialer.(*transport.ZMQDialer)
	if !ok {
		t.Fatalf("expected zmq dialer, got %T", dialer)
	}
	if zmqDialer.Pattern() != transport.VideoPatternPull {
		t.Fatalf("unexpected pattern %q", zmqDialer.Pattern())
	}
}
