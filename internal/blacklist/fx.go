package blacklist

import (
	"github.com/opsframe/adrflow/internal/blacklist/service"
	"go.uber.org/fx"
)

var Module = fx.Module("blacklist.service",
	fx.Provide(service.NewService),
)
