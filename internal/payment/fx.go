package payment

import (
	"github.com/smallbiznis/mintflow/internal/payment/repository"
	"github.com/smallbiznis/mintflow/internal/payment/service"
	"github.com/smallbiznis/mintflow/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(webhook.New),
)
