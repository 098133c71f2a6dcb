package app

import (
	"fmt"
	"time"

	"github.com/skobkin/kiwilink/internal/config"
	"github.com/skobkin/kiwilink/internal/transport"
)

// NewDialer builds the transport backend selected by the connection config.
// writeTimeout bounds one command write where the transport needs it up front.
func NewDialer(cfg config.ConnectionConfig, writeTimeout time.Duration) (transport.Dialer, error) {
	switch cfg.Transport {
	case config.TransportZMQ:
		return transport.NewZMQDialer(transport.VideoPattern(cfg.VideoPattern), cfg.DialTimeout.Std(), writeTimeout), nil
	case config.TransportTCP:
		return transport.NewTCPDialer(cfg.DialTimeout.Std(), cfg.MaxFrameSize), nil
	case config.TransportWebSocket:
		return transport.NewWebSocketDialer(cfg.CommandPath, cfg.VideoPath, cfg.DialTimeout.Std(), cfg.MaxFrameSize), nil
	default:
		return nil, fmt.Errorf("unknown transport: %q", cfg.Transport)
	}
}
