package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/expense-outbox/internal/app"
	"github.com/jmehdipour/expense-outbox/internal/config"
	"github.com/jmehdipour/expense-outbox/internal/logger"
	"github.com/jmehdipour/expense-outbox/internal/outbox"
	"github.com/jmehdipour/expense-outbox/internal/txn"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write demo events into every context's outbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log, err := logger.New(cfg.Log.Level)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		a, err := app.Open(cfg, log, nil)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		for _, cc := range cfg.Contexts {
			oc, err := a.Context(cc.Name, app.DispatcherConfig(cfg.Dispatcher))
			if err != nil {
				return err
			}
			if err := seedContext(ctx, a.Tx, oc.Writer, cc.Name); err != nil {
				return fmt.Errorf("seed %s: %w", cc.Name, err)
			}
			log.Info("seeded outbox", zap.String("context", cc.Name), zap.String("table", cc.Table))
		}
		return nil
	},
}

type demoEvent struct {
	eventType string
	aggregate string
	payload   map[string]any
}

// demoEvents returns an immediate and a deferred event for a context.
func demoEvents(contextName string) (demoEvent, demoEvent) {
	switch contextName {
	case "expense":
		return demoEvent{"expense.created", "exp-demo-1", map[string]any{"expense_id": "exp-demo-1", "amount": 42.5, "currency": "USD", "category": "travel"}},
			demoEvent{"budget.exceeded", "budget-demo-1", map[string]any{"budget_id": "budget-demo-1", "limit": 40, "spent": 42.5}}
	case "user":
		return demoEvent{"user.registered", "usr-demo-1", map[string]any{"user_id": "usr-demo-1", "email": "demo@example.com"}},
			demoEvent{"user.profile_updated", "usr-demo-1", map[string]any{"user_id": "usr-demo-1", "fields": []string{"display_name"}}}
	default:
		return demoEvent{contextName + ".seeded", "demo", map[string]any{"seq": 1}},
			demoEvent{contextName + ".seeded", "demo", map[string]any{"seq": 2}}
	}
}

// seedContext writes one event in immediate mode and one deferred until the
// same transaction commits.
func seedContext(ctx context.Context, mgr *txn.Manager, w *outbox.Writer, contextName string) error {
	immediate, deferred := demoEvents(contextName)
	return mgr.WithinTx(ctx, func(tx *txn.Tx) error {
		if _, err := w.Write(ctx, tx, outbox.WriteRequest{
			EventType:   immediate.eventType,
			AggregateID: &immediate.aggregate,
			Payload:     immediate.payload,
		}, outbox.Immediate); err != nil {
			return err
		}
		_, err := w.Write(ctx, tx, outbox.WriteRequest{
			EventType:   deferred.eventType,
			AggregateID: &deferred.aggregate,
			Payload:     deferred.payload,
		}, outbox.Deferred)
		return err
	})
}
