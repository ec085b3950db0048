package cmd

import (
	"fmt"

	"github.com/jmehdipour/expense-outbox/internal/config"
	"github.com/jmehdipour/expense-outbox/internal/db"
	"github.com/jmehdipour/expense-outbox/internal/handler"
	"github.com/jmehdipour/expense-outbox/internal/repository"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the outbox table of every context (and the ClickHouse audit table when used)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		for _, cc := range cfg.Contexts {
			ddl, err := repository.OutboxDDL(cc.Table)
			if err != nil {
				return fmt.Errorf("context %s: %w", cc.Name, err)
			}
			if _, err := sqlDB.Exec(ddl); err != nil {
				return fmt.Errorf("create %s: %w", cc.Table, err)
			}
			fmt.Printf(">> %s ready (context %s)\n", cc.Table, cc.Name)
		}

		var audit []config.HandlerConfig
		for _, h := range cfg.Handlers {
			if h.Enabled && h.Type == handler.TypeClickHouse {
				audit = append(audit, h)
			}
		}
		if len(audit) == 0 {
			fmt.Println(">> Migration complete")
			return nil
		}

		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolOptsFrom(cfg.ClickHouse))
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer chDB.Close()

		seen := map[string]bool{}
		for _, h := range audit {
			if seen[h.Table] {
				continue
			}
			seen[h.Table] = true
			ddl, err := repository.DeliveriesDDL(h.Table)
			if err != nil {
				return fmt.Errorf("handler %s: %w", h.Name, err)
			}
			if _, err := chDB.Exec(ddl); err != nil {
				return fmt.Errorf("create clickhouse table: %w", err)
			}
		}

		fmt.Println(">> Migration complete")
		return nil
	},
}
