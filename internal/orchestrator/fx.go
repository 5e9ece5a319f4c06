package orchestrator

import (
	"github.com/opsframe/adrflow/internal/orchestrator/queue"
	"github.com/opsframe/adrflow/internal/orchestrator/service"
	"go.uber.org/fx"
)

// Module wires the queue, the pipeline service, and the runner.
var Module = fx.Module("orchestrator",
	queue.Module,
	service.Module,
	fx.Provide(NewRunner),
	fx.Invoke(RegisterRunner),
)
