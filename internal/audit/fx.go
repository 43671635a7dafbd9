package audit

import (
	"context"

	auditdomain "github.com/smallbiznis/mintflow/internal/audit/domain"
	"github.com/smallbiznis/mintflow/internal/audit/repository"
	"github.com/smallbiznis/mintflow/internal/audit/service"
	"github.com/smallbiznis/mintflow/internal/events"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the audit trail: explicit entries from operator and webhook
// handlers, plus one entry per intent transition published on the events hub.
var Module = fx.Module("audit",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Invoke(registerTransitionRecorder),
)

type recorderParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Audit     auditdomain.Service
	Hub       *events.Hub `optional:"true"`
	Log       *zap.Logger
}

func registerTransitionRecorder(p recorderParams) {
	if p.Hub == nil {
		return
	}
	recorder := NewTransitionRecorder(p.Audit, p.Hub, p.Log)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error { return recorder.Start() },
		OnStop:  func(context.Context) error { recorder.Stop(); return nil },
	})
}
