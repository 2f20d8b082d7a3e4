// Package transport defines the notification display surface consumed by the
// notifier. Adapters turn a Notification into something the user sees and
// feed interaction events (click, dismiss) back through InteractionHandler.
package transport

import "context"

// Handle is an adapter-issued opaque identifier for one shown notification.
// It keys the click-through route map until the user clicks or dismisses.
type Handle string

// Notification is one user-facing alert.
type Notification struct {
	Title   string
	Message string
	URL     string // click-through target
	Icon    string // data URI; empty means "use the adapter's plain rendering"
}

// Shower displays notifications. Show returns an error when the adapter could
// not create the notification (e.g. the host rejected the icon payload);
// callers may retry without the icon.
type Shower interface {
	Show(ctx context.Context, n Notification) (Handle, error)
}

// InteractionHandler receives user interaction with a shown notification.
// Both events are terminal for the handle.
type InteractionHandler interface {
	// NotificationClicked resolves the click-through URL for the handle.
	// ok is false when the handle is unknown or already consumed.
	NotificationClicked(ctx context.Context, h Handle) (targetURL string, ok bool)
	NotificationDismissed(ctx context.Context, h Handle)
}
