package callback

import (
	"context"

	"go.uber.org/zap"
)

// PurchaseOrderType is the workflow type of purchase order approvals.
const PurchaseOrderType = "PurchaseOrder"

// PurchaseOrderHandler notifies requestors about purchase order progress.
// Purchase orders have no local records; actions and conditions fall back to
// the generic behavior.
type PurchaseOrderHandler struct {
	*GenericHandler
	logger *zap.Logger
}

var _ Handler = (*PurchaseOrderHandler)(nil)

func NewPurchaseOrderHandler(notifier Notifier, logger *zap.Logger) *PurchaseOrderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PurchaseOrderHandler{
		GenericHandler: NewGenericHandler(notifier, logger),
		logger:         logger.Named("callback.purchase_order"),
	}
}

func (h *PurchaseOrderHandler) WorkflowType() string { return PurchaseOrderType }

func (h *PurchaseOrderHandler) OnStatusChanged(ctx context.Context, ev StatusEvent) error {
	params := ev.Instance.Params()
	requestor := params.StringOr("RequestorId", "")
	amount, _ := params.Decimal("Amount")
	vendor := params.StringOr("Vendor", "")

	h.logger.Info("purchase order status changed",
		zap.String("process_id", ev.ProcessID),
		zap.String("from", ev.OldStatus),
		zap.String("to", ev.NewStatus),
		zap.String("amount", amount.String()),
		zap.String("vendor", vendor))

	return h.notifier.Notify(ctx, Notification{
		Kind:         "purchase_order.status_changed",
		WorkflowType: PurchaseOrderType,
		ProcessID:    ev.ProcessID,
		RecipientID:  requestor,
		Subject:      "Purchase order is now " + ev.NewStatus,
		Fields: map[string]any{
			"requestorName": params.StringOr("RequestorName", ""),
			"amount":        amount.String(),
			"vendor":        vendor,
			"previousState": ev.OldStatus,
			"currentState":  ev.NewStatus,
		},
	})
}
