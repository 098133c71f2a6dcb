package transport

import "log/slog"

func transportLogger(name, channel string, attrs ...any) *slog.Logger {
	logger := slog.With("component", "transport", "transport", name, "channel", channel)
	if len(attrs) == 0 {
		return logger
	}

	return logger.With(attrs...)
}
