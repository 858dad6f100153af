package mcp

import (
	"context"
	"log/slog"

	"github.com/rendis/hireflow/internal/streaming"
	"github.com/rendis/hireflow/pkg/schema"
)

// ledgerLogger names the notification source seen by MCP clients.
const ledgerLogger = "hireflow.ledger"

// forwardStream subscribes to the hub and pushes every ledger update to the
// connected clients as a notifications/message log entry. It returns once
// the subscription is in place; forwarding stops when ctx is cancelled.
func (s *HireflowServer) forwardStream(ctx context.Context) error {
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.mcpServer.SendNotificationToAllClients("notifications/message", notificationFor(ev))
			}
		}
	}()
	s.logger.Debug("forwarding ledger stream to MCP clients", slog.String("logger", ledgerLogger))
	return nil
}

func notificationFor(ev streaming.StreamEvent) map[string]any {
	level := "info"
	switch ev.EventType {
	case schema.LedgerExecutionFailed, schema.LedgerExecutionReconciled:
		level = "error"
	case schema.LedgerExecutionPartial, schema.LedgerActionFailed, schema.LedgerActionRetrying:
		level = "warning"
	}
	return map[string]any{
		"level":  level,
		"logger": ledgerLogger,
		"data":   ev,
	}
}
