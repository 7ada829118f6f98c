package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/psiphi75/SwirlVPN/internal/model"
	"github.com/psiphi75/SwirlVPN/internal/payment"
	"github.com/psiphi75/SwirlVPN/internal/repository"
)

// pendingGracePeriod is how long a purchase may sit unconfirmed before
// the polling job asks the processor about it directly. Webhooks
// normally land well inside this window.
const pendingGracePeriod = 15 * time.Minute

// InvoiceAPI is the slice of the processor client the purchase flow
// needs.
type InvoiceAPI interface {
	CreateInvoice(ctx context.Context, params payment.CreateInvoiceRequest) (*payment.Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (*payment.Invoice, error)
}

// PurchaseService runs the buy flow end to end: invoice creation,
// webhook confirmation and the recovery poll for purchases whose
// webhook never arrived.
type PurchaseService interface {
	StartPurchase(ctx context.Context, userID uuid.UUID, planName string, bytes int64, priceUSD float64, currency string) (*model.Entitlement, error)
	HandleVendorCallback(ctx context.Context, vendorPaymentID, vendorStatus string) error
	// PollOutstanding reconciles aged pending purchases against the
	// processor. Returns how many reached a decision.
	PollOutstanding(ctx context.Context) (int, error)
}

type purchaseService struct {
	entRepo  repository.EntitlementRepository
	ledger   LedgerService
	invoices InvoiceAPI
	logger   *zap.Logger

	gracePeriod time.Duration
	nowFn       func() time.Time
}

func NewPurchaseService(
	entRepo repository.EntitlementRepository,
	ledger LedgerService,
	invoices InvoiceAPI,
	logger *zap.Logger,
) PurchaseService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &purchaseService{
		entRepo:     entRepo,
		ledger:      ledger,
		invoices:    invoices,
		logger:      logger,
		gracePeriod: pendingGracePeriod,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *purchaseService) StartPurchase(ctx context.Context, userID uuid.UUID, planName string, bytes int64, priceUSD float64, currency string) (*model.Entitlement, error) {
	ent, err := s.ledger.CreatePendingPurchase(ctx, userID, planName, bytes, model.PaymentDetails{
		Method:   "invoice",
		Currency: currency,
		ValueUSD: priceUSD,
	})
	if err != nil {
		return nil, err
	}

	inv, err := s.invoices.CreateInvoice(ctx, payment.CreateInvoiceRequest{
		Reference: ent.ID.String(),
		Currency:  currency,
		ValueUSD:  priceUSD,
		ItemName:  planName,
	})
	if err != nil {
		// The pending row stays; the poll job retries purchases the
		// vendor never heard about by cancelling them after the grace
		// period.
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	ent.Payment.VendorPaymentID = inv.ID
	ent.Payment.VendorStatus = inv.Status
	ent.Payment.InvoiceURL = inv.InvoiceURL
	ent.Payment.ValueCurrency = inv.ValueCurrency

	// Stash the vendor linkage on the pending row so the callback and
	// the poller can find it.
	if err := s.entRepo.UpdatePaymentDetails(ctx, ent.ID, ent.Payment); err != nil {
		return nil, fmt.Errorf("record vendor linkage: %w", err)
	}
	return ent, nil
}

func (s *purchaseService) HandleVendorCallback(ctx context.Context, vendorPaymentID, vendorStatus string) error {
	ent, err := s.entRepo.FindByVendorPaymentID(ctx, vendorPaymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("vendor payment %q: %w", vendorPaymentID, err)
		}
		return err
	}
	return s.applyVendorStatus(ctx, ent, vendorStatus, vendorPaymentID)
}

func (s *purchaseService) PollOutstanding(ctx context.Context) (int, error) {
	cutoff := s.nowFn().Add(-s.gracePeriod)
	pending, err := s.entRepo.FindPendingOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find outstanding purchases: %w", err)
	}

	decided := 0
	for _, ent := range pending {
		if ent.Payment.VendorPaymentID == "" {
			// Invoice creation failed mid-flight; nothing to poll.
			if err := s.ledger.CancelPurchase(ctx, ent.ID); err != nil && !errors.Is(err, ErrAlreadyClosed) {
				s.logger.Error("cancel orphaned purchase", zap.String("purchase_id", ent.ID.String()), zap.Error(err))
				continue
			}
			decided++
			continue
		}

		inv, err := s.invoices.GetInvoice(ctx, ent.Payment.VendorPaymentID)
		if err != nil {
			s.logger.Error("poll invoice",
				zap.String("purchase_id", ent.ID.String()),
				zap.String("vendor_payment_id", ent.Payment.VendorPaymentID),
				zap.Error(err))
			continue
		}
		if inv.Status == payment.StatusPending {
			continue
		}
		if err := s.applyVendorStatus(ctx, ent, inv.Status, inv.ID); err != nil {
			s.logger.Error("apply polled status", zap.String("purchase_id", ent.ID.String()), zap.Error(err))
			continue
		}
		decided++
	}
	return decided, nil
}

func (s *purchaseService) applyVendorStatus(ctx context.Context, ent *model.Entitlement, vendorStatus, vendorPaymentID string) error {
	switch vendorStatus {
	case payment.StatusSettled:
		_, err := s.ledger.ConfirmPurchase(ctx, ent.ID, vendorStatus, vendorPaymentID)
		return err
	case payment.StatusFailed, payment.StatusExpired:
		err := s.ledger.CancelPurchase(ctx, ent.ID)
		if errors.Is(err, ErrAlreadyClosed) {
			return nil
		}
		return err
	case payment.StatusPending:
		return nil
	default:
		return fmt.Errorf("vendor status %q not handled", vendorStatus)
	}
}
