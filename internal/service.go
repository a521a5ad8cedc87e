package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DrGermanius/Paymart/internal/model"
)

//go:generate mockgen -destination=mock/mock_internal.go -package=mock_internal github.com/DrGermanius/Paymart/internal IEventPublisher,IGateway,INotifier,IReconciler,IRepository,IService

type IService interface {
	RequestPayment(context.Context, int, model.PaymentInput) (model.Acknowledgment, error)
	HandleCallback(context.Context, []byte) (model.CallbackOutcome, error)
	PollStatus(context.Context, int, string) (model.GatewayStatus, error)
}

const sweepBatchSize = 20

type Service struct {
	repo            IRepository
	gateway         IGateway
	notifier        INotifier
	logger          *zap.SugaredLogger
	reconcileOnPoll bool
	now             func() time.Time
}

func NewService(repo IRepository, gateway IGateway, notifier INotifier, logger *zap.SugaredLogger, reconcileOnPoll bool) *Service {
	return &Service{
		repo:            repo,
		gateway:         gateway,
		notifier:        notifier,
		logger:          logger,
		reconcileOnPoll: reconcileOnPoll,
		now:             time.Now,
	}
}

// RequestPayment starts an STK push for the caller's order. The external
// reference is persisted before the gateway is called so that a callback
// racing this request can still find the order.
func (s Service) RequestPayment(ctx context.Context, uid int, i model.PaymentInput) (model.Acknowledgment, error) {
	if i.PhoneNumber == "" {
		return model.Acknowledgment{}, ErrMissingPhoneNumber
	}
	if !i.Amount.IsPositive() {
		return model.Acknowledgment{}, ErrMissingAmount
	}
	if i.OrderID == "" {
		return model.Acknowledgment{}, ErrMissingOrderID
	}

	phone, err := NormalizePhoneNumber(i.PhoneNumber)
	if err != nil {
		return model.Acknowledgment{}, err
	}

	order, err := s.repo.GetOrderByID(ctx, i.OrderID)
	if err != nil {
		if errors.Is(err, ErrNoRecords) {
			return model.Acknowledgment{}, ErrOrderNotFound
		}
		return model.Acknowledgment{}, err
	}

	if order.UserID != uid {
		return model.Acknowledgment{}, ErrOrderBelongsToOther
	}
	if order.Settled() {
		return model.Acknowledgment{}, ErrOrderNotPayable
	}
	if !i.Amount.Round(0).Equal(order.Total.Round(0)) {
		return model.Acknowledgment{}, ErrAmountMismatch
	}

	ref, err := s.externalReference(ctx, order)
	if err != nil {
		return model.Acknowledgment{}, err
	}

	ack, err := s.gateway.Initiate(ctx, model.InitiateRequest{
		Amount:            order.Total,
		PhoneNumber:       phone,
		ExternalReference: ref,
	})
	if err != nil {
		s.logger.Errorw("payment initiation failed", "orderId", order.ID, "externalReference", ref, "error", err)
		return model.Acknowledgment{}, err
	}

	if ack.CheckoutRequestID != "" {
		if err = s.repo.SetCheckoutRequestID(ctx, order.ID, ack.CheckoutRequestID); err != nil {
			s.logger.Errorw("store checkout request id", "orderId", order.ID, "checkoutRequestId", ack.CheckoutRequestID, "error", err)
		}
	}

	s.logger.Infow("payment requested", "orderId", order.ID, "externalReference", ref, "checkoutRequestId", ack.CheckoutRequestID)
	return ack, nil
}

// externalReference returns the order's reference, assigning one if needed.
// References are never replaced, so a retried initiate reuses the first one.
func (s Service) externalReference(ctx context.Context, order model.Order) (string, error) {
	if order.ExternalReference != "" {
		return order.ExternalReference, nil
	}

	ref, err := NewExternalReference()
	if err != nil {
		return "", err
	}

	ok, err := s.repo.SetExternalReference(ctx, order.ID, ref)
	if err != nil {
		return "", err
	}
	if ok {
		return ref, nil
	}

	current, err := s.repo.GetOrderByID(ctx, order.ID)
	if err != nil {
		return "", err
	}
	if current.ExternalReference == "" {
		return "", fmt.Errorf("order %s: external reference not stored", order.ID)
	}
	return current.ExternalReference, nil
}

// HandleCallback reconciles a provider callback against the order it refers
// to. Only a malformed payload or a storage failure is reported as an error;
// unknown and already settled orders are acknowledged without changes.
func (s Service) HandleCallback(ctx context.Context, body []byte) (model.CallbackOutcome, error) {
	res, err := s.gateway.ParseCallback(body)
	if err != nil {
		if !errors.Is(err, ErrMalformedCallback) {
			err = fmt.Errorf("%w: %s", ErrMalformedCallback, err.Error())
		}
		return "", err
	}

	order, err := s.findOrder(ctx, res)
	if err != nil {
		if errors.Is(err, ErrNoRecords) {
			s.logger.Warnw("callback for unknown order", "externalReference", res.ExternalReference,
				"checkoutRequestId", res.CheckoutRequestID, "reference", res.Reference)
			return model.CallbackOutcomeIgnored, nil
		}
		return "", err
	}

	return s.settle(ctx, order, res)
}

func (s Service) findOrder(ctx context.Context, res model.CallbackResult) (model.Order, error) {
	if res.ExternalReference != "" && ValidExternalReference(res.ExternalReference) {
		order, err := s.repo.GetOrderByExternalReference(ctx, res.ExternalReference)
		if !errors.Is(err, ErrNoRecords) {
			return order, err
		}
	}
	if res.CheckoutRequestID != "" {
		return s.repo.GetOrderByCheckoutRequestID(ctx, res.CheckoutRequestID)
	}
	return model.Order{}, ErrNoRecords
}

func (s Service) settle(ctx context.Context, order model.Order, res model.CallbackResult) (model.CallbackOutcome, error) {
	if order.Settled() {
		s.logger.Infow("payment already settled", "orderId", order.ID, "paymentStatus", order.PaymentStatus, "status", order.Status)
		if order.PaymentStatus == model.PaymentStatusCompleted && order.TransactionID == "" {
			return model.CallbackOutcomeDuplicate, s.recordReceipt(ctx, order.ID, res)
		}
		return model.CallbackOutcomeDuplicate, nil
	}

	st := model.Settlement{
		OrderID:          order.ID,
		PaymentStatus:    model.PaymentStatusFailed,
		Status:           model.OrderStatusCancelled,
		GatewayReference: res.Reference,
	}
	outcome := model.CallbackOutcomeFailed

	var jobs []model.OutboxJob
	if res.Success {
		if !res.Amount.IsZero() && !res.Amount.Round(0).Equal(order.Total.Round(0)) {
			s.logger.Warnw("paid amount differs from order total, flagged for review",
				"orderId", order.ID, "total", order.Total.String(), "paid", res.Amount.String(), "reference", res.Reference)
		}

		st.PaymentStatus = model.PaymentStatusCompleted
		st.Status = model.OrderStatusProcessing
		st.TransactionID = res.ProviderReference
		outcome = model.CallbackOutcomeCompleted

		jobs = append(jobs, s.newJob(model.JobKindClearCart, order, nil))
	}

	event, err := json.Marshal(model.PaymentEvent{
		OrderID:          order.ID,
		UserID:           order.UserID,
		PaymentStatus:    st.PaymentStatus,
		Status:           st.Status,
		Total:            order.Total,
		PaidAmount:       res.Amount,
		GatewayReference: st.GatewayReference,
		TransactionID:    st.TransactionID,
		Provider:         s.gateway.Name(),
		Message:          res.Message,
		OccurredAt:       s.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	jobs = append(jobs, s.newJob(model.JobKindPaymentEvent, order, event))

	applied, err := s.repo.SettlePayment(ctx, st, jobs)
	if err != nil {
		return "", err
	}
	if !applied {
		s.logger.Infow("payment settled concurrently", "orderId", order.ID, "reference", res.Reference)
		return model.CallbackOutcomeDuplicate, s.recordReceipt(ctx, order.ID, res)
	}

	s.notifier.Notify()
	s.logger.Infow("payment settled", "orderId", order.ID, "outcome", outcome, "reference", res.Reference, "message", res.Message)
	return outcome, nil
}

// recordReceipt fills in the receipt of an order settled from a status query,
// which carries none, when the provider's success callback arrives later.
func (s Service) recordReceipt(ctx context.Context, orderID string, res model.CallbackResult) error {
	if !res.Success || res.ProviderReference == "" {
		return nil
	}
	ok, err := s.repo.SetTransactionID(ctx, orderID, res.ProviderReference)
	if err != nil {
		return err
	}
	if ok {
		s.logger.Infow("payment receipt recorded", "orderId", orderID, "transactionId", res.ProviderReference)
	}
	return nil
}

func (s Service) newJob(kind string, order model.Order, payload json.RawMessage) model.OutboxJob {
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return model.OutboxJob{
		ID:        uuid.NewString(),
		Kind:      kind,
		OrderID:   order.ID,
		UserID:    order.UserID,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	}
}

// PollStatus asks the provider for the current state of one of the caller's
// checkouts. With reconcileOnPoll set, a terminal answer also settles the
// order through the same conditional update the callback uses.
func (s Service) PollStatus(ctx context.Context, uid int, checkoutRequestID string) (model.GatewayStatus, error) {
	if checkoutRequestID == "" {
		return model.GatewayStatus{}, ErrMissingCheckoutID
	}

	order, err := s.repo.GetOrderByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		if errors.Is(err, ErrNoRecords) {
			return model.GatewayStatus{}, ErrOrderNotFound
		}
		return model.GatewayStatus{}, err
	}
	if order.UserID != uid {
		return model.GatewayStatus{}, ErrOrderBelongsToOther
	}

	st, err := s.gateway.QueryStatus(ctx, checkoutRequestID)
	if err != nil {
		s.logger.Errorw("status query failed", "checkoutRequestId", checkoutRequestID, "error", err)
		return model.GatewayStatus{}, err
	}

	if s.reconcileOnPoll && st.Terminal() {
		if _, err = s.settle(ctx, order, statusResult(checkoutRequestID, st)); err != nil {
			s.logger.Errorw("reconcile from poll", "orderId", order.ID, "error", err)
		}
	}

	return st, nil
}

// ReconcilePending queries the provider for unsettled checkouts idle for at
// least olderThan and settles the terminal ones. It covers callbacks that
// could not be matched, such as one that arrived before the checkout id was
// stored, and callbacks that never arrived.
func (s Service) ReconcilePending(ctx context.Context, olderThan time.Duration) (int, error) {
	orders, err := s.repo.PendingCheckouts(ctx, s.now().Add(-olderThan).UTC(), sweepBatchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, o := range orders {
		st, err := s.gateway.QueryStatus(ctx, o.CheckoutRequestID)
		if err != nil {
			s.logger.Warnw("pending checkout query failed", "orderId", o.ID, "checkoutRequestId", o.CheckoutRequestID, "error", err)
			continue
		}
		if !st.Terminal() {
			continue
		}

		outcome, err := s.settle(ctx, o, statusResult(o.CheckoutRequestID, st))
		if err != nil {
			return settled, err
		}
		if outcome != model.CallbackOutcomeDuplicate {
			settled++
		}
	}

	return settled, nil
}

// statusResult turns a terminal status query answer into the shape a
// callback settles with.
func statusResult(checkoutRequestID string, st model.GatewayStatus) model.CallbackResult {
	ref := st.Reference
	if ref == "" {
		ref = checkoutRequestID
	}
	return model.CallbackResult{
		Success:           st.State == model.PaymentStateSuccess,
		Reference:         ref,
		ExternalReference: st.ExternalReference,
		CheckoutRequestID: checkoutRequestID,
		ProviderReference: st.ProviderReference,
		Amount:            st.Amount,
		Message:           st.Message,
	}
}
