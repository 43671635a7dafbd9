package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/mintflow/internal/cache"
	"github.com/smallbiznis/mintflow/internal/catalog"
	"github.com/smallbiznis/mintflow/internal/config"
	"github.com/smallbiznis/mintflow/internal/events"
	fulfillmentdomain "github.com/smallbiznis/mintflow/internal/fulfillment/domain"
	intentdomain "github.com/smallbiznis/mintflow/internal/mintintent/domain"
	"github.com/smallbiznis/mintflow/internal/mintstatus/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultProgressTTL = 5 * time.Second

type Params struct {
	fx.In

	Lifecycle   fx.Lifecycle `optional:"true"`
	DB          *gorm.DB
	Log         *zap.Logger
	Intents     intentdomain.Service
	IntentRepo  intentdomain.Repository
	Fulfillment fulfillmentdomain.Service
	Catalog     catalog.Source
	Cfg         config.Config
	Hub         *events.Hub `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	intents     intentdomain.Service
	intentRepo  intentdomain.Repository
	fulfillment fulfillmentdomain.Service
	catalog     catalog.Source
	hub         *events.Hub
	progress    cache.Cache[string, domain.PoolProgress]
	ttl         time.Duration

	sub  *events.Subscription
	done chan struct{}
}

func New(p Params) domain.Service {
	svc := NewService(p)
	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(context.Context) error { return svc.Start() },
			OnStop:  func(context.Context) error { svc.Stop(); return nil },
		})
	}
	return svc
}

func NewService(p Params) *Service {
	ttl := p.Cfg.StatusCacheTTL
	if ttl <= 0 {
		ttl = defaultProgressTTL
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("mintstatus.service"),
		intents:     p.Intents,
		intentRepo:  p.IntentRepo,
		fulfillment: p.Fulfillment,
		catalog:     p.Catalog,
		hub:         p.Hub,
		progress:    cache.NewTTLCache[string, domain.PoolProgress](),
		ttl:         ttl,
	}
}

// Start drops cached pool progress whenever an intent in that pool activates.
func (s *Service) Start() error {
	if s.hub == nil || s.sub != nil {
		return nil
	}
	sub, _, err := s.hub.Subscribe(events.AllPools)
	if err != nil {
		return err
	}
	s.sub = sub
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		for evt := range sub.Events() {
			if evt.To == string(intentdomain.StatusActivated) {
				s.progress.Delete(evt.PoolRef)
			}
		}
	}()
	return nil
}

func (s *Service) Stop() {
	if s.sub == nil {
		return
	}
	s.sub.Close()
	<-s.done
	s.sub = nil
}

func (s *Service) GetByIntentID(ctx context.Context, intentID string) (domain.StatusView, error) {
	intent, err := s.intents.Get(ctx, intentID)
	if err != nil {
		return domain.StatusView{}, err
	}
	return s.view(ctx, intent)
}

func (s *Service) GetByExternalRequestID(ctx context.Context, externalRequestID string) (domain.StatusView, error) {
	intent, err := s.intents.GetByExternalRequestID(ctx, externalRequestID)
	if err != nil {
		return domain.StatusView{}, err
	}
	return s.view(ctx, intent)
}

func (s *Service) view(ctx context.Context, intent intentdomain.MintIntent) (domain.StatusView, error) {
	out := domain.StatusView{
		IntentID:           intent.ID.String(),
		ExternalRequestID:  intent.ExternalRequestID,
		ExternalRequestURL: intent.ExternalRequestURL,
		PoolRef:            intent.PoolRef,
		Quantity:           intent.Quantity,
		Status:             string(intent.Status),
		PaidAt:             intent.PaidAt,
		ActivationTime:     intent.ActivationTime,
	}
	if intent.Status != intentdomain.StatusActivated && intent.Status != intentdomain.StatusCompleted {
		return out, nil
	}

	item, err := s.fulfillment.FindByIntentID(ctx, out.IntentID)
	if err != nil {
		return domain.StatusView{}, err
	}
	if item != nil {
		out.Item = &domain.ItemView{
			ID:          item.ID,
			Name:        item.ItemName,
			Rarity:      item.Rarity,
			Image:       item.ImageURL,
			Animation:   item.AnimationURL,
			TemplateRef: item.TemplateRef,
		}
	}
	return out, nil
}

func (s *Service) PoolProgress(ctx context.Context, poolRef string) (domain.PoolProgress, error) {
	poolRef = strings.TrimSpace(poolRef)
	pool, ok := s.catalog.Current().Pool(poolRef)
	if !ok {
		return domain.PoolProgress{}, domain.ErrUnknownPool
	}
	if cached, ok := s.progress.Get(pool.Ref); ok {
		return cached, nil
	}

	minted, err := s.intentRepo.SumQuantity(ctx, s.db, pool.Ref, intentdomain.StatusActivated, intentdomain.StatusCompleted)
	if err != nil {
		return domain.PoolProgress{}, err
	}

	progress := domain.PoolProgress{PoolRef: pool.Ref, Minted: minted}
	if pool.Supply > 0 {
		supply := int64(pool.Supply)
		remaining := supply - minted
		if remaining < 0 {
			remaining = 0
		}
		progress.Supply = &supply
		progress.Remaining = &remaining
	}
	s.progress.Set(pool.Ref, progress, s.ttl)
	return progress, nil
}
