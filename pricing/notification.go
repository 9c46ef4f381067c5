package pricing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Dispatcher delivers a notification to a customer through an external
// channel. Delivery is best effort.
type Dispatcher interface {
	Send(ctx context.Context, customerID CustomerID, kind NotificationKind) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, customerID CustomerID, kind NotificationKind) error

func (f DispatcherFunc) Send(ctx context.Context, customerID CustomerID, kind NotificationKind) error {
	return f(ctx, customerID, kind)
}

func newNotification(link PricingLink, kind NotificationKind, now time.Time) Notification {
	return Notification{
		ID:            NotificationID(uuid.NewString()),
		CustomerID:    link.CustomerID,
		PricingLinkID: link.ID,
		Kind:          kind,
		CreatedAt:     now,
	}
}

// NotificationService is the read/acknowledge surface used by the UI layer.
type NotificationService struct {
	Store interface {
		CustomerReader
		NotificationStore
	}
}

func (n *NotificationService) List(ctx context.Context, customerID CustomerID) ([]Notification, error) {
	if _, err := n.Store.GetCustomer(ctx, customerID); err != nil {
		return nil, Downstream("get customer", err)
	}
	out, err := n.Store.ListNotifications(ctx, customerID)
	if err != nil {
		return nil, Downstream("list notifications", err)
	}
	return out, nil
}

func (n *NotificationService) MarkRead(ctx context.Context, id NotificationID) error {
	if id == "" {
		return &ValidationError{Field: "notification_id", Message: "required"}
	}
	return Downstream("mark notification read", n.Store.MarkNotificationRead(ctx, id))
}

// MarkAllRead returns how many notifications changed state.
func (n *NotificationService) MarkAllRead(ctx context.Context, customerID CustomerID) (int, error) {
	if _, err := n.Store.GetCustomer(ctx, customerID); err != nil {
		return 0, Downstream("get customer", err)
	}
	count, err := n.Store.MarkAllNotificationsRead(ctx, customerID)
	if err != nil {
		return 0, Downstream("mark all notifications read", err)
	}
	return count, nil
}
