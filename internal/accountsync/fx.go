package accountsync

import (
	"github.com/opsframe/adrflow/internal/accountsync/service"
	"github.com/opsframe/adrflow/internal/accountsync/source"
	"go.uber.org/fx"
)

var Module = fx.Module("accountsync.service",
	source.Module,
	fx.Provide(service.NewService),
)
