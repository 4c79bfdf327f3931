package workflow

import (
	"context"
	"fmt"

	"github.com/warp/issuance-engine/inventory"
)

// Notification tells a worker their request moved. Delivery mechanics belong
// to the Notifier.
type Notification struct {
	TenantID  inventory.TenantID
	RequestID inventory.RequestID
	WorkerID  inventory.WorkerID
	Status    inventory.RequestStatus
	Subject   string
	Body      string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

func (e *Engine) notification(ctx context.Context, r inventory.Reader, req *inventory.Request) (*Notification, error) {
	item := string(req.ProductID)
	if p, err := r.GetProduct(ctx, req.TenantID, req.ProductID); err == nil {
		item = p.Name
	} else if !inventory.IsNotFound(err) {
		return nil, err
	}

	n := &Notification{
		TenantID:  req.TenantID,
		RequestID: req.ID,
		WorkerID:  req.WorkerID,
		Status:    req.Status,
	}
	what := fmt.Sprintf("%d x %s", req.Quantity, item)
	switch req.Status {
	case inventory.StatusApproved:
		n.Subject = "Request approved"
		n.Body = fmt.Sprintf("Your request for %s was approved.", what)
	case inventory.StatusRejected:
		n.Subject = "Request rejected"
		n.Body = fmt.Sprintf("Your request for %s was rejected: %s", what, req.RejectionReason)
	case inventory.StatusSeparating:
		n.Subject = "Request being separated"
		n.Body = fmt.Sprintf("Your %s is being separated in the warehouse.", what)
	case inventory.StatusStockDebited:
		n.Subject = "Request ready for pickup"
		n.Body = fmt.Sprintf("Your %s has left stock and is ready for delivery.", what)
	case inventory.StatusDelivered:
		n.Subject = "Request delivered"
		n.Body = fmt.Sprintf("Your %s was delivered. Please confirm receipt.", what)
	default:
		return nil, nil
	}
	return n, nil
}
