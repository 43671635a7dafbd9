package audit

import (
	"context"
	"time"

	auditdomain "github.com/smallbiznis/mintflow/internal/audit/domain"
	"github.com/smallbiznis/mintflow/internal/events"
	"go.uber.org/zap"
)

const transitionRecordTimeout = 5 * time.Second

// TransitionRecorder appends an audit row for every intent status change,
// including the ones the scheduler drives without an HTTP request.
type TransitionRecorder struct {
	audit auditdomain.Service
	hub   *events.Hub
	log   *zap.Logger

	sub  *events.Subscription
	done chan struct{}
}

func NewTransitionRecorder(audit auditdomain.Service, hub *events.Hub, log *zap.Logger) *TransitionRecorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &TransitionRecorder{audit: audit, hub: hub, log: log.Named("audit.transitions")}
}

func (r *TransitionRecorder) Start() error {
	if r.hub == nil || r.sub != nil {
		return nil
	}
	sub, _, err := r.hub.Subscribe(events.AllPools)
	if err != nil {
		return err
	}
	r.sub = sub
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		for evt := range sub.Events() {
			r.record(evt)
		}
	}()
	return nil
}

// Stop closes the subscription and waits for the in-flight entry.
func (r *TransitionRecorder) Stop() {
	if r.sub == nil {
		return
	}
	r.sub.Close()
	<-r.done
	r.sub = nil
}

func (r *TransitionRecorder) record(evt events.IntentTransitioned) {
	ctx, cancel := context.WithTimeout(context.Background(), transitionRecordTimeout)
	defer cancel()

	err := r.audit.Record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeSystem,
		ActorID:    "mintflow",
		Action:     auditdomain.ActionIntentTransition,
		TargetType: "mint_intent",
		TargetID:   evt.IntentID,
		Metadata: map[string]any{
			"from":                evt.From,
			"to":                  evt.To,
			"pool_ref":            evt.PoolRef,
			"external_request_id": evt.ExternalRequestID,
			"occurred_at":         evt.OccurredAt.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		r.log.Warn("record intent transition failed",
			zap.String("intent_id", evt.IntentID),
			zap.String("to", evt.To),
			zap.Error(err),
		)
	}
}
