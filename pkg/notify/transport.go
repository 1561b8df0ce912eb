package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Castellan-Labs/castellan/pkg/contracts"
)

// LogTransport writes deliveries to the structured log. It stands in
// for real channel gateways in development and small deployments; the
// engine only ever sees the contracts.Transport interface.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a log-backed transport.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger.With("component", "transport")}
}

// Send implements contracts.Transport.
func (t *LogTransport) Send(ctx context.Context, channel contracts.Channel, subject, body, target string) error {
	if target == "" {
		return fmt.Errorf("channel %s: no delivery target", channel)
	}
	t.logger.InfoContext(ctx, "notification delivered",
		"channel", channel, "target", target, "subject", subject, "body_len", len(body))
	return nil
}

// MultiTransport routes each channel to its own transport, falling back
// to a default for unrouted channels.
type MultiTransport struct {
	routes   map[contracts.Channel]contracts.Transport
	fallback contracts.Transport
}

// NewMultiTransport builds a per-channel router.
func NewMultiTransport(routes map[contracts.Channel]contracts.Transport, fallback contracts.Transport) *MultiTransport {
	return &MultiTransport{routes: routes, fallback: fallback}
}

// Send implements contracts.Transport.
func (t *MultiTransport) Send(ctx context.Context, channel contracts.Channel, subject, body, target string) error {
	if tr, ok := t.routes[channel]; ok {
		return tr.Send(ctx, channel, subject, body, target)
	}
	if t.fallback == nil {
		return fmt.Errorf("no transport for channel %s", channel)
	}
	return t.fallback.Send(ctx, channel, subject, body, target)
}
