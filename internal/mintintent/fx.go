package mintintent

import (
	"github.com/smallbiznis/mintflow/internal/mintintent/repository"
	"github.com/smallbiznis/mintflow/internal/mintintent/service"
	"go.uber.org/fx"
)

var Module = fx.Module("mintintent.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
