package provider

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogAdapter stands in for channel families whose real transports are wired
// outside this repo. It accepts every payload and logs it.
type LogAdapter struct {
	AdapterName string
	CostPerSend float64
}

func (a *LogAdapter) Name() string { return a.AdapterName }

func (a *LogAdapter) Send(_ context.Context, p Payload) Result {
	slog.Info("provider send",
		"adapter", a.AdapterName,
		"channel", p.Channel,
		"delivery_id", p.DeliveryID,
		"tenant_id", p.TenantID,
	)
	return Result{Success: true, MessageID: a.AdapterName + "_" + uuid.NewString(), Cost: a.CostPerSend}
}
