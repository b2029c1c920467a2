// Package notify forwards operator alerts (failed sweeps, halts, emergency
// flattens) to Telegram and Discord.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

// Sender is a single notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// DefaultEvents are the status types forwarded when none are configured.
var DefaultEvents = []string{
	string(domain.StatusSweepFailed),
	string(domain.StatusHaltChanged),
	string(domain.StatusEmergencyFlatten),
}

// Notifier dispatches alerts to every Sender. Notify and Broadcast only
// forward allowed event types; NotifyAll bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier over senders. An empty events list allows
// DefaultEvents.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if len(events) == 0 {
		events = DefaultEvents
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.ToUpper(strings.TrimSpace(e))] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Notify sends title and message when event is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.events[strings.ToUpper(event)] {
		n.logger.DebugContext(ctx, "notify: event filtered out",
			slog.String("event", event),
		)
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends to every sender regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// Broadcast lets the notifier sit alongside the WebSocket hub as a status
// sink. Only allowed types become alerts.
func (n *Notifier) Broadcast(ctx context.Context, msg domain.StatusMessage) error {
	if !n.Enabled() {
		return nil
	}
	title, body := formatStatus(msg)
	return n.Notify(ctx, string(msg.Type), title, body)
}

// formatStatus renders a status message as an alert title and a sorted
// key: value body.
func formatStatus(msg domain.StatusMessage) (string, string) {
	title := "Titan: " + strings.ReplaceAll(string(msg.Type), "_", " ")
	if msg.Symbol != "" {
		title += " " + msg.Symbol
	}
	keys := make([]string, 0, len(msg.Data))
	for k := range msg.Data {
		if k == "trades" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, msg.Data[k])
	}
	return title, strings.TrimRight(b.String(), "\n")
}

// dispatch sends to every sender. One failure does not stop the rest; all
// failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notify: sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
