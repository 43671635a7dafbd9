package providers

import (
	"github.com/smallbiznis/mintflow/internal/providers/gateway"
	"github.com/smallbiznis/mintflow/internal/providers/identity"
	"github.com/smallbiznis/mintflow/internal/providers/minting"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	gateway.Module,
	identity.Module,
	minting.Module,
)
