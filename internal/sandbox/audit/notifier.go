// Package audit posts concise summaries of instance lifecycle events to an
// operator room so launches, kills and expiries can be followed without
// tailing logs.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sandboxlab/sandboxd/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindInstanceLaunched     Kind = "instance.launched"
	KindInstanceLaunchFailed Kind = "instance.launch_failed"
	KindInstanceKilled       Kind = "instance.killed"
	KindInstanceExpired      Kind = "instance.expired"
	KindError                Kind = "error"
)

// sendTimeout caps how long Notify may hold up its caller.
const sendTimeout = 5 * time.Second

// Event carries the data that the notifier formats and sends.
type Event struct {
	Kind Kind
	// Target is the instance id.
	Target  string
	Message string
	// TraceID defaults to the trace id on the context.
	TraceID   string
	Timestamp time.Time
}

// Notifier sends lifecycle notifications. Send failures are logged, never
// returned.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client the notifier needs.
type Sender interface {
	SendNotice(ctx context.Context, roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}

	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	icon := kindIcon(evt.Kind)
	msg := fmt.Sprintf("%s [%s] %s", icon, evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("%s %s → %s", icon, evt.Target, evt.Message)
	}
	msg = fmt.Sprintf("%s\n  at: %s", msg, evt.Timestamp.UTC().Format(time.RFC3339))
	if tid != "" {
		msg = fmt.Sprintf("%s\n  trace: %s", msg, tid)
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := n.sender.SendNotice(sendCtx, n.roomID, msg); err != nil {
		slog.Warn("audit notifier: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "err", err)
		return
	}
	slog.Debug("audit notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
}

// Noop is used when audit notifications are disabled.
type Noop struct{}

func (Noop) Notify(context.Context, Event) {}

func kindIcon(k Kind) string {
	switch k {
	case KindInstanceLaunched:
		return "🟢"
	case KindInstanceLaunchFailed:
		return "❌"
	case KindInstanceKilled:
		return "🗑️"
	case KindInstanceExpired:
		return "⌛"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}
