package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/mintflow/internal/catalog"
	"github.com/smallbiznis/mintflow/internal/clock"
	"github.com/smallbiznis/mintflow/internal/config"
	"github.com/smallbiznis/mintflow/internal/fulfillment/domain"
	"github.com/smallbiznis/mintflow/internal/fulfillment/selector"
	intentdomain "github.com/smallbiznis/mintflow/internal/mintintent/domain"
	obsmetrics "github.com/smallbiznis/mintflow/internal/observability/metrics"
	"github.com/smallbiznis/mintflow/internal/providers/identity"
	"github.com/smallbiznis/mintflow/internal/providers/minting"
	"github.com/smallbiznis/mintflow/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	lockKeyPrefix   = "mint:fulfill:"
	defaultLockTTL  = 2 * time.Minute
	defaultDeadline = time.Minute
	releaseTimeout  = 5 * time.Second
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Repo       domain.Repository
	Intents    intentdomain.Service
	Catalog    catalog.Source
	Identity   identity.Provider
	Minter     minting.Minter
	Locker     ratelimit.Locker
	Clock      clock.Clock
	Cfg        config.Config
	Rand       *rand.Rand          `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	repo       domain.Repository
	intents    intentdomain.Service
	catalog    catalog.Source
	identity   identity.Provider
	minter     minting.Minter
	locker     ratelimit.Locker
	clock      clock.Clock
	lockTTL    time.Duration
	deadline   time.Duration
	obsMetrics *obsmetrics.Metrics

	group singleflight.Group

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(p Params) domain.Service {
	return NewService(p)
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	rng := p.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	locker := p.Locker
	if locker == nil {
		locker = ratelimit.NewLocalLocker()
	}
	lockTTL := p.Cfg.Fulfillment.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	deadline := p.Cfg.Fulfillment.Timeout
	if deadline <= 0 {
		deadline = defaultDeadline
	}

	return &Service{
		db:         p.DB,
		log:        p.Log.Named("fulfillment.service"),
		repo:       p.Repo,
		intents:    p.Intents,
		catalog:    p.Catalog,
		identity:   p.Identity,
		minter:     p.Minter,
		locker:     locker,
		clock:      clk,
		lockTTL:    lockTTL,
		deadline:   deadline,
		obsMetrics: p.ObsMetrics,
		rng:        rng,
	}
}

func (s *Service) HandlePaid(ctx context.Context, intent intentdomain.MintIntent) (domain.Result, error) {
	if !intent.IsDue(s.clock.Now()) {
		s.log.Info("fulfillment deferred",
			zap.String("intent_id", intent.ID.String()),
			zap.Timep("activation_time", intent.ActivationTime),
		)
		s.obsMetrics.RecordFulfillment(ctx, "deferred", "")
		return domain.Result{Intent: intent, Deferred: true}, nil
	}
	return s.Fulfill(ctx, intent.ID.String())
}

// Fulfill mints the item for a paid intent. Concurrent callers in this process
// share one execution; callers in other processes are refused by the lock.
func (s *Service) Fulfill(ctx context.Context, intentID string) (domain.Result, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return domain.Result{}, intentdomain.ErrInvalidID
	}

	v, err, _ := s.group.Do(intentID, func() (any, error) {
		runCtx, cancel := context.WithTimeout(ctx, s.deadline)
		defer cancel()
		return s.fulfillLocked(runCtx, intentID)
	})
	if err != nil {
		return domain.Result{}, err
	}
	return v.(domain.Result), nil
}

func (s *Service) fulfillLocked(ctx context.Context, intentID string) (domain.Result, error) {
	key := lockKeyPrefix + intentID
	token, ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
	if err != nil {
		return domain.Result{}, fmt.Errorf("acquire fulfillment lock: %w", err)
	}
	if !ok {
		s.obsMetrics.RecordFulfillment(ctx, "skipped", "in_progress")
		return domain.Result{}, domain.ErrFulfillmentInProgress
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := s.locker.Release(releaseCtx, key, token); err != nil {
			s.log.Warn("release fulfillment lock failed", zap.String("intent_id", intentID), zap.Error(err))
		}
	}()

	intent, err := s.intents.Get(ctx, intentID)
	if err != nil {
		return domain.Result{}, err
	}

	switch intent.Status {
	case intentdomain.StatusActivated, intentdomain.StatusCompleted:
		item, err := s.repo.FindByIntentID(ctx, s.db, intent.ID)
		if err != nil {
			return domain.Result{}, err
		}
		return domain.Result{Intent: intent, Item: item}, nil
	case intentdomain.StatusPaid:
	default:
		return domain.Result{}, fmt.Errorf("%w: fulfill from %s", intentdomain.ErrInvalidTransition, intent.Status)
	}
	if !intent.IsDue(s.clock.Now()) {
		return domain.Result{}, domain.ErrNotDue
	}

	paymentID := intent.PaymentRef()
	if paymentID == "" {
		return domain.Result{}, fmt.Errorf("%w: paid intent without payment id", intentdomain.ErrInvalidTransition)
	}

	existing, err := s.repo.FindByPaymentID(ctx, s.db, paymentID)
	if err != nil {
		return domain.Result{}, err
	}
	if existing != nil {
		s.log.Info("minted record already exists; activating",
			zap.String("intent_id", intentID),
			zap.String("item_id", existing.ID),
		)
		return s.activate(ctx, intent, existing)
	}

	item, err := s.mint(ctx, intent, paymentID)
	if err != nil {
		s.obsMetrics.RecordFulfillment(ctx, "failed", failureReason(err))
		if _, recordErr := s.intents.RecordFailure(context.WithoutCancel(ctx), intentID, err); recordErr != nil {
			s.log.Error("record fulfillment failure",
				zap.String("intent_id", intentID),
				zap.Error(recordErr),
			)
		}
		return domain.Result{}, err
	}
	return s.activate(ctx, intent, item)
}

// mint runs select, resolve, mint and persist. It returns the persisted
// record, which may belong to a concurrent winner.
func (s *Service) mint(ctx context.Context, intent intentdomain.MintIntent, paymentID string) (*domain.MintedItem, error) {
	pool, ok := s.catalog.Current().Pool(intent.PoolRef)
	if !ok {
		return nil, fmt.Errorf("%w: pool %s is not in the catalog", domain.ErrEmptyPool, intent.PoolRef)
	}
	entry, err := s.pick(pool.Entries)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", pool.Ref, err)
	}

	accountID, err := s.identity.ResolveAccount(ctx, intent.RequesterHandle)
	if err != nil {
		return nil, fmt.Errorf("resolve recipient: %w", err)
	}
	if strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("%w: handle %s", domain.ErrRecipientUnresolved, intent.RequesterHandle)
	}

	items, err := s.minter.CreateItems(ctx, minting.CreateItemsInput{
		IdempotencyKey:     paymentID,
		TemplateRef:        entry.TemplateRef,
		Quantity:           intent.Quantity,
		RecipientAccountID: accountID,
		RecipientHandle:    intent.RequesterHandle,
		Origin:             pool.Ref,
		Metadata: map[string]any{
			"intentId":  intent.ID.String(),
			"paymentId": paymentID,
			"name":      entry.Name,
			"rarity":    entry.Rarity,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMintFailed, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: minting returned no items", domain.ErrMintFailed)
	}

	itemIDs := make([]string, 0, len(items))
	for _, item := range items {
		itemIDs = append(itemIDs, item.ID)
	}
	metadata, err := json.Marshal(map[string]any{
		"itemIds":  itemIDs,
		"quantity": intent.Quantity,
	})
	if err != nil {
		return nil, err
	}

	record := &domain.MintedItem{
		ID:                 items[0].ID,
		PaymentID:          paymentID,
		IntentID:           intent.ID,
		PoolRef:            pool.Ref,
		Origin:             pool.Ref,
		TemplateRef:        entry.TemplateRef,
		ItemName:           entry.Name,
		Rarity:             entry.Rarity,
		ImageURL:           entry.Image,
		AnimationURL:       entry.Animation,
		RecipientAccountID: accountID,
		RecipientHandle:    intent.RequesterHandle,
		Metadata:           datatypes.JSON(metadata),
		CreatedAt:          s.clock.Now(),
	}

	inserted, err := s.repo.Insert(ctx, s.db, record)
	if err != nil {
		return nil, fmt.Errorf("persist minted item: %w", err)
	}
	if inserted {
		return record, nil
	}

	winner, err := s.repo.FindByPaymentID(ctx, s.db, paymentID)
	if err != nil {
		return nil, fmt.Errorf("load minted item: %w", err)
	}
	if winner == nil {
		return nil, fmt.Errorf("persist minted item: item %s conflicts with another payment", record.ID)
	}
	return winner, nil
}

func (s *Service) activate(ctx context.Context, intent intentdomain.MintIntent, item *domain.MintedItem) (domain.Result, error) {
	activated, err := s.intents.MarkActivated(ctx, intent.ID.String())
	if err != nil {
		return domain.Result{}, err
	}
	s.obsMetrics.RecordFulfillment(ctx, "activated", "")
	s.log.Info("intent fulfilled",
		zap.String("intent_id", intent.ID.String()),
		zap.String("item_id", item.ID),
		zap.String("template_ref", item.TemplateRef),
		zap.String("recipient_account_id", item.RecipientAccountID),
	)
	return domain.Result{Intent: activated, Item: item}, nil
}

func (s *Service) pick(entries []catalog.PoolEntry) (catalog.PoolEntry, error) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return selector.Weighted(entries, s.rng)
}

func (s *Service) FindByIntentID(ctx context.Context, intentID string) (*domain.MintedItem, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(intentID))
	if err != nil || id == 0 {
		return nil, intentdomain.ErrInvalidID
	}
	return s.repo.FindByIntentID(ctx, s.db, id)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrRecipientUnresolved):
		return "recipient_unresolved"
	case errors.Is(err, domain.ErrEmptyPool):
		return "empty_pool"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, domain.ErrMintFailed):
		return "mint_failed"
	default:
		return "internal"
	}
}
