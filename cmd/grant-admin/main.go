package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/service"
	"relaymail/backend/internal/storage/postgres"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: grant-admin <externalId> [admin|user]")
		os.Exit(1)
	}

	externalID := os.Args[1]
	role := domain.RoleAdmin
	if len(os.Args) >= 3 {
		role = domain.AccountRole(os.Args[2])
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		fmt.Println("RELAYMAIL_DATABASE_TYPE and RELAYMAIL_DATABASE_DSN must be set")
		os.Exit(1)
	}

	store, err := postgres.Open(cfg.Database.Type, cfg.Database.DSN, postgres.DefaultPoolConfig())
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	moderation := service.NewModerationService(store, cfg.Store.Timeout, zap.NewNop(), monitoring.NewMetrics())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	account, err := moderation.SetRole(ctx, externalID, role)
	if err != nil {
		fmt.Printf("Failed to set role: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Account %s (@%s) now has role %s\n", account.ExternalID, account.ExternalUsername, account.Role)
}
