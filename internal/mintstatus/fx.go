package mintstatus

import (
	"github.com/smallbiznis/mintflow/internal/mintstatus/service"
	"go.uber.org/fx"
)

var Module = fx.Module("mintstatus.service",
	fx.Provide(service.New),
)
