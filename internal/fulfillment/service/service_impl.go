package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/coursepay/internal/clock"
	fulfillmentdomain "github.com/smallbiznis/coursepay/internal/fulfillment/domain"
	obscontext "github.com/smallbiznis/coursepay/internal/observability/context"
	"github.com/smallbiznis/coursepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

const (
	claimBatchSize    = 8
	maxClaimRounds    = 64
	purchaseListLimit = 200
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       fulfillmentdomain.Repository
	Resolver   paymentdomain.Resolver
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       fulfillmentdomain.Repository
	resolver   paymentdomain.Resolver
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) fulfillmentdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.System()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("fulfillment.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		resolver:   p.Resolver,
		clock:      c,
		obsMetrics: p.ObsMetrics,
	}
}

// Fulfill grants an item once its invoice is paid. Repeated calls for the same
// user and item return already_granted with the original code.
func (s *Service) Fulfill(ctx context.Context, req fulfillmentdomain.FulfillRequest) (fulfillmentdomain.Result, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.ItemID = strings.TrimSpace(req.ItemID)
	req.InvoiceID = strings.TrimSpace(req.InvoiceID)
	itemType, ok := fulfillmentdomain.ParseItemType(string(req.ItemType))
	if !ok || req.UserID == "" || req.ItemID == "" {
		return fulfillmentdomain.Result{}, fulfillmentdomain.ErrInvalidRequest
	}
	req.ItemType = itemType

	ctx = obscontext.WithUserID(ctx, req.UserID)
	ctx = obscontext.WithInvoiceID(ctx, req.InvoiceID)
	log := logger.WithContext(ctx, s.log).With(
		zap.String("item_type", string(req.ItemType)),
		zap.String("item_id", req.ItemID),
	)

	item, err := s.findItem(ctx, req.ItemType, req.ItemID)
	if err != nil {
		return fulfillmentdomain.Result{}, err
	}

	result := fulfillmentdomain.Result{ItemType: item.Type, ItemID: item.ID}

	existing, err := s.repo.FindEntitlement(ctx, s.db, req.UserID, item.Type, item.ID)
	if err != nil {
		return fulfillmentdomain.Result{}, err
	}
	if existing != nil {
		return s.finish(ctx, alreadyGranted(result, existing)), nil
	}

	grant := fulfillmentdomain.Entitlement{
		UserID:   req.UserID,
		ItemType: item.Type,
		ItemID:   item.ID,
		Amount:   item.Price,
	}

	if !item.Free() {
		if req.InvoiceID == "" {
			return fulfillmentdomain.Result{}, fulfillmentdomain.ErrInvalidRequest
		}
		result.InvoiceID = req.InvoiceID

		resolution, err := s.resolver.Resolve(ctx, req.InvoiceID)
		if err != nil {
			if errors.Is(err, paymentdomain.ErrInvalidInvoiceID) {
				return fulfillmentdomain.Result{}, fulfillmentdomain.ErrInvalidRequest
			}
			return fulfillmentdomain.Result{}, err
		}
		row, paid := resolution.Paid()
		if !paid {
			result.Outcome = fulfillmentdomain.OutcomePaymentNotConfirmed
			return s.finish(ctx, result), nil
		}
		if row.PaymentAmount.IsPositive() && row.PaymentAmount.LessThan(item.Price) {
			log.Warn("paid amount below item price",
				zap.String("paid_amount", row.PaymentAmount.String()),
				zap.String("price", item.Price.String()),
			)
			result.Outcome = fulfillmentdomain.OutcomePaymentNotConfirmed
			return s.finish(ctx, result), nil
		}
		if row.PaymentAmount.IsPositive() {
			grant.Amount = row.PaymentAmount
		}
		invoiceID := req.InvoiceID
		grant.InvoiceID = &invoiceID
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		grant.ID = s.genID.Generate()
		grant.GrantedAt = s.clock.Now()

		inserted, err := s.repo.InsertEntitlement(ctx, tx, &grant)
		if err != nil {
			return err
		}
		if !inserted {
			held, err := s.repo.FindEntitlement(ctx, tx, grant.UserID, grant.ItemType, grant.ItemID)
			if err != nil {
				return err
			}
			if held == nil {
				return fulfillmentdomain.ErrInvoiceConsumed
			}
			result = alreadyGranted(result, held)
			return nil
		}

		if grant.ItemType == fulfillmentdomain.ItemTypeTest {
			code, err := s.claimCode(ctx, tx, grant.ItemID, grant.UserID)
			if err != nil {
				return err
			}
			if err := s.repo.SetEntitlementCode(ctx, tx, int64(grant.ID), code); err != nil {
				return err
			}
			result.Code = code
		}
		result.Outcome = fulfillmentdomain.OutcomeGranted
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, fulfillmentdomain.ErrNoCodesAvailable), errors.Is(err, fulfillmentdomain.ErrInvoiceConsumed):
			log.Warn("fulfillment refused", zap.Error(err))
			s.obsMetrics.RecordFulfillment(ctx, string(item.Type), err.Error())
		default:
			log.Error("fulfillment failed", zap.Error(err))
			s.obsMetrics.RecordFulfillment(ctx, string(item.Type), "error")
		}
		return fulfillmentdomain.Result{}, err
	}

	if result.Outcome == fulfillmentdomain.OutcomeGranted {
		log.Info("item granted", zap.Bool("free", item.Free()))
	}
	return s.finish(ctx, result), nil
}

// claimCode takes one unused code from the pool. A lost race on a code moves
// on to the next one; the loop ends when the pool is empty.
func (s *Service) claimCode(ctx context.Context, tx *gorm.DB, testID, userID string) (string, error) {
	for round := 0; round < maxClaimRounds; round++ {
		codes, err := s.repo.ListUnusedCodes(ctx, tx, testID, claimBatchSize)
		if err != nil {
			return "", err
		}
		if len(codes) == 0 {
			return "", fulfillmentdomain.ErrNoCodesAvailable
		}
		for _, code := range codes {
			claimed, err := s.repo.ClaimCode(ctx, tx, int64(code.ID), userID, s.clock.Now())
			if err != nil {
				return "", err
			}
			if claimed {
				return code.Code, nil
			}
		}
	}
	return "", fulfillmentdomain.ErrNoCodesAvailable
}

func (s *Service) findItem(ctx context.Context, itemType fulfillmentdomain.ItemType, itemID string) (fulfillmentdomain.Item, error) {
	switch itemType {
	case fulfillmentdomain.ItemTypeCourse:
		course, err := s.repo.FindCourse(ctx, s.db, itemID)
		if err != nil {
			return fulfillmentdomain.Item{}, err
		}
		if course == nil {
			return fulfillmentdomain.Item{}, fulfillmentdomain.ErrNotFound
		}
		return fulfillmentdomain.Item{Type: itemType, ID: course.ID, Title: course.Title, Price: course.Price}, nil
	case fulfillmentdomain.ItemTypeTest:
		test, err := s.repo.FindTest(ctx, s.db, itemID)
		if err != nil {
			return fulfillmentdomain.Item{}, err
		}
		if test == nil {
			return fulfillmentdomain.Item{}, fulfillmentdomain.ErrNotFound
		}
		return fulfillmentdomain.Item{Type: itemType, ID: test.ID, Title: test.Title, Price: test.Price}, nil
	default:
		return fulfillmentdomain.Item{}, fulfillmentdomain.ErrInvalidRequest
	}
}

func (s *Service) finish(ctx context.Context, result fulfillmentdomain.Result) fulfillmentdomain.Result {
	s.obsMetrics.RecordFulfillment(ctx, string(result.ItemType), string(result.Outcome))
	return result
}

func alreadyGranted(result fulfillmentdomain.Result, held *fulfillmentdomain.Entitlement) fulfillmentdomain.Result {
	result.Outcome = fulfillmentdomain.OutcomeAlreadyGranted
	result.InvoiceID = ""
	if held.InvoiceID != nil {
		result.InvoiceID = *held.InvoiceID
	}
	result.Code = ""
	if held.Code != nil {
		result.Code = *held.Code
	}
	return result
}

// VerifyAccess reports whether the user holds the item.
func (s *Service) VerifyAccess(ctx context.Context, userID string, itemType fulfillmentdomain.ItemType, itemID string) (fulfillmentdomain.Access, error) {
	userID = strings.TrimSpace(userID)
	itemID = strings.TrimSpace(itemID)
	parsed, ok := fulfillmentdomain.ParseItemType(string(itemType))
	if !ok || userID == "" || itemID == "" {
		return fulfillmentdomain.Access{}, fulfillmentdomain.ErrInvalidRequest
	}

	held, err := s.repo.FindEntitlement(ctx, s.db, userID, parsed, itemID)
	if err != nil {
		return fulfillmentdomain.Access{}, err
	}
	if held == nil {
		return fulfillmentdomain.Access{HasAccess: false}, nil
	}
	access := fulfillmentdomain.Access{HasAccess: true, GrantedAt: &held.GrantedAt}
	if held.Code != nil {
		access.Code = *held.Code
	}
	return access, nil
}

// ListPurchases returns the user's entitlements, newest first.
func (s *Service) ListPurchases(ctx context.Context, userID string) ([]fulfillmentdomain.Purchase, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fulfillmentdomain.ErrInvalidRequest
	}
	items, err := s.repo.ListEntitlements(ctx, s.db, userID, purchaseListLimit)
	if err != nil {
		return nil, err
	}
	out := make([]fulfillmentdomain.Purchase, 0, len(items))
	for _, item := range items {
		out = append(out, item.Purchase())
	}
	return out, nil
}
