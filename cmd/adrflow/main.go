package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/opsframe/adrflow/internal/accountsync"
	"github.com/opsframe/adrflow/internal/adr"
	"github.com/opsframe/adrflow/internal/blacklist"
	"github.com/opsframe/adrflow/internal/clock"
	"github.com/opsframe/adrflow/internal/config"
	"github.com/opsframe/adrflow/internal/logger"
	"github.com/opsframe/adrflow/internal/migration"
	"github.com/opsframe/adrflow/internal/orchestrator"
	"github.com/opsframe/adrflow/internal/providers/email"
	"github.com/opsframe/adrflow/internal/settings"
	"github.com/opsframe/adrflow/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		settings.Module,
		blacklist.Module,
		accountsync.Module,
		adr.Module,
		email.Module,
		orchestrator.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
