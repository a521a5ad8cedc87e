package internal_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/DrGermanius/Paymart/internal"
	mock_internal "github.com/DrGermanius/Paymart/internal/mock"
	"github.com/DrGermanius/Paymart/internal/model"
)

func pendingOrder() model.Order {
	return model.Order{
		ID:            "ord-1",
		UserID:        7,
		Total:         decimal.NewFromInt(1500),
		Status:        model.OrderStatusPending,
		PaymentStatus: model.PaymentStatusPending,
	}
}

var _ = Describe("Service", func() {
	var (
		ctx  context.Context
		ctrl *gomock.Controller
		srv  internal.IService
		rep  *mock_internal.MockIRepository
		gw   *mock_internal.MockIGateway
		ntf  *mock_internal.MockINotifier
	)
	newService := func(reconcileOnPoll bool) {
		srv = internal.NewService(rep, gw, ntf, zap.NewNop().Sugar(), reconcileOnPoll)
	}
	BeforeEach(func() {
		ctx = context.Background()
		ctrl = gomock.NewController(GinkgoT())

		rep = mock_internal.NewMockIRepository(ctrl)
		gw = mock_internal.NewMockIGateway(ctrl)
		ntf = mock_internal.NewMockINotifier(ctrl)
		gw.EXPECT().Name().Return(internal.ProviderPayHero).AnyTimes()

		newService(false)
	})
	AfterEach(func() {
		ctrl.Finish()
	})

	Context("RequestPayment", func() {
		input := model.PaymentInput{PhoneNumber: "0712 345 678", Amount: decimal.NewFromInt(1500), OrderID: "ord-1"}

		It("assigns a reference and initiates the push", func() {
			var ref string
			rep.EXPECT().GetOrderByID(ctx, "ord-1").Return(pendingOrder(), nil)
			rep.EXPECT().SetExternalReference(ctx, "ord-1", gomock.Any()).DoAndReturn(func(_ context.Context, _, r string) (bool, error) {
				ref = r
				return true, nil
			})
			gw.EXPECT().Initiate(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, r model.InitiateRequest) (model.Acknowledgment, error) {
				Expect(r.PhoneNumber).Should(Equal("254712345678"))
				Expect(r.ExternalReference).Should(Equal(ref))
				Expect(r.Amount.Equal(decimal.NewFromInt(1500))).Should(BeTrue())
				return model.Acknowledgment{Success: true, Status: "QUEUED", CheckoutRequestID: "ws_1", ExternalReference: r.ExternalReference}, nil
			})
			rep.EXPECT().SetCheckoutRequestID(ctx, "ord-1", "ws_1").Return(nil)

			ack, err := srv.RequestPayment(ctx, 7, input)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ack.CheckoutRequestID).Should(Equal("ws_1"))
			Expect(internal.ValidExternalReference(ack.ExternalReference)).Should(BeTrue())
		})
		It("reuses the reference of an earlier attempt", func() {
			o := pendingOrder()
			o.ExternalReference = "100000000008"
			rep.EXPECT().GetOrderByID(ctx, "ord-1").Return(o, nil)
			gw.EXPECT().Initiate(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, r model.InitiateRequest) (model.Acknowledgment, error) {
				Expect(r.ExternalReference).Should(Equal("100000000008"))
				return model.Acknowledgment{Success: true, CheckoutRequestID: "ws_2"}, nil
			})
			rep.EXPECT().SetCheckoutRequestID(ctx, "ord-1", "ws_2").Return(nil)

			_, err := srv.RequestPayment(ctx, 7, input)
			Expect(err).ShouldNot(HaveOccurred())
		})
		It("uses the reference stored by a concurrent attempt", func() {
			winner := pendingOrder()
			winner.ExternalReference = "100000000008"
			gomock.InOrder(
				rep.EXPECT().GetOrderByID(ctx, "ord-1").Return(pendingOrder(), nil),
				rep.EXPECT().SetExternalReference(ctx, "ord-1", gomock.Any()).Return(false, nil),
				rep.EXPECT().GetOrderByID(ctx, "ord-1").Return(winner, nil),
			)
			gw.EXPECT().Initiate(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, r model.InitiateRequest) (model.Acknowledgment, error) {
				Expect(r.ExternalReference).Should(Equal("100000000008"))
				return model.Acknowledgment{Success: true}, nil
			})

			_, err := srv.RequestPayment(ctx, 7, input)
			Expect(err).ShouldNot(HaveOccurred())
		})
		It("rejects incomplete input before touching storage", func() {
			cases := []struct {
				in   model.PaymentInput
				want error
			}{
				{model.PaymentInput{Amount: decimal.NewFromInt(1), OrderID: "o"}, internal.ErrMissingPhoneNumber},
				{model.PaymentInput{PhoneNumber: "0712345678", OrderID: "o"}, internal.ErrMissingAmount},
				{model.PaymentInput{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(-5), OrderID: "o"}, internal.ErrMissingAmount},
				{model.PaymentInput{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(1)}, internal.ErrMissingOrderID},
				{model.PaymentInput{PhoneNumber: "12345", Amount: decimal.NewFromInt(1), OrderID: "o"}, internal.ErrInvalidPhoneNumber},
			}
			for _, c := range cases {
				_, err := srv.RequestPayment(ctx, 7, c.in)
				Expect(err).Should(MatchError(c.want))
				Expect(errors.Is(err, internal.ErrValidation)).Should(BeTrue())
			}
		})
		It("reports an unknown order", func() {
			rep.EXPECT().GetOrderByID(ctx, "ord-1").Return(model.Order{}, internal.ErrNoRecords)

			_, err := srv.RequestPayment(ctx, 7, input)
			Expect(err).Should(MatchError(internal.ErrOrderNotFound))
		})
		It("refuses another user's order", func() {
			rep.EXPECT().GetOrderByID(ctx, "ord-1").Return(pendingOrder(), nil)

			_, err := srv.RequestPayment(ctx, 8, input)
			Expect(err).Should(MatchError(internal.ErrOrderBelongsToOther))
		})
		It("refuses a settled order", func() {
			paid := pendingOrder()
			paid.PaymentStatus = model.PaymentStatusCompleted
			paid.Status = model.OrderStatusProcessing
			failed := pendingOrder()
			failed.PaymentStatus = model.PaymentStatusFailed
			failed.Status = model.OrderStatusCancelled
			rep.EXPECT().GetOrderByID(ctx, "ord-1").Return(paid, nil)
			rep.EXPECT().GetOrderByID(ctx, "ord-1").Return(failed, nil)

			_, err := srv.RequestPayment(ctx, 7, input)
			Expect(err).Should(MatchError(internal.ErrOrderNotPayable))
			_, err = srv.RequestPayment(ctx, 7, input)
			Expect(err).Should(MatchError(internal.ErrOrderNotPayable))
		})
		It("refuses an amount that differs from the order total", func() {
			rep.EXPECT().GetOrderByID(ctx, "ord-1").Return(pendingOrder(), nil)

			in := input
			in.Amount = decimal.NewFromInt(1)
			_, err := srv.RequestPayment(ctx, 7, in)
			Expect(err).Should(MatchError(internal.ErrAmountMismatch))
		})
		It("returns the gateway error and leaves the order pending", func() {
			gerr := &internal.GatewayError{Provider: internal.ProviderPayHero, Op: internal.OpInitiate, StatusCode: 500, Err: errors.New("boom")}
			o := pendingOrder()
			o.ExternalReference = "100000000008"
			rep.EXPECT().GetOrderByID(ctx, "ord-1").Return(o, nil)
			gw.EXPECT().Initiate(ctx, gomock.Any()).Return(model.Acknowledgment{}, gerr)

			_, err := srv.RequestPayment(ctx, 7, input)
			var ge *internal.GatewayError
			Expect(errors.As(err, &ge)).Should(BeTrue())
		})
		It("succeeds even when the checkout id cannot be stored", func() {
			o := pendingOrder()
			o.ExternalReference = "100000000008"
			rep.EXPECT().GetOrderByID(ctx, "ord-1").Return(o, nil)
			gw.EXPECT().Initiate(ctx, gomock.Any()).Return(model.Acknowledgment{Success: true, CheckoutRequestID: "ws_3"}, nil)
			rep.EXPECT().SetCheckoutRequestID(ctx, "ord-1", "ws_3").Return(errors.New("db down"))

			ack, err := srv.RequestPayment(ctx, 7, input)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ack.CheckoutRequestID).Should(Equal("ws_3"))
		})
	})

	Context("HandleCallback", func() {
		body := []byte(`{}`)
		ref := "100000000008"

		It("completes the order and queues the cart clear", func() {
			o := pendingOrder()
			o.ExternalReference = ref
			gw.EXPECT().ParseCallback(body).Return(model.CallbackResult{
				Success: true, Reference: "prov_999", ExternalReference: ref, ProviderReference: "SAE3YULR0Y", Amount: decimal.NewFromInt(1500),
			}, nil)
			rep.EXPECT().GetOrderByExternalReference(ctx, ref).Return(o, nil)
			rep.EXPECT().SettlePayment(ctx, gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, s model.Settlement, jobs []model.OutboxJob) (bool, error) {
				Expect(s).Should(Equal(model.Settlement{
					OrderID:          "ord-1",
					PaymentStatus:    model.PaymentStatusCompleted,
					Status:           model.OrderStatusProcessing,
					GatewayReference: "prov_999",
					TransactionID:    "SAE3YULR0Y",
				}))
				Expect(jobs).Should(HaveLen(2))
				Expect(jobs[0].Kind).Should(Equal(model.JobKindClearCart))
				Expect(jobs[0].UserID).Should(Equal(7))
				Expect(jobs[1].Kind).Should(Equal(model.JobKindPaymentEvent))
				Expect(jobs[0].ID).ShouldNot(Equal(jobs[1].ID))

				var ev model.PaymentEvent
				Expect(json.Unmarshal(jobs[1].Payload, &ev)).Should(Succeed())
				Expect(ev.OrderID).Should(Equal("ord-1"))
				Expect(ev.PaymentStatus).Should(Equal(model.PaymentStatusCompleted))
				Expect(ev.Provider).Should(Equal(internal.ProviderPayHero))
				return true, nil
			})
			ntf.EXPECT().Notify()

			outcome, err := srv.HandleCallback(ctx, body)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(outcome).Should(Equal(model.CallbackOutcomeCompleted))
		})
		It("fails the order without clearing the cart", func() {
			gw.EXPECT().ParseCallback(body).Return(model.CallbackResult{Success: false, Reference: "prov_1", ExternalReference: ref, Message: "Request cancelled by user"}, nil)
			rep.EXPECT().GetOrderByExternalReference(ctx, ref).Return(pendingOrder(), nil)
			rep.EXPECT().SettlePayment(ctx, gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, s model.Settlement, jobs []model.OutboxJob) (bool, error) {
				Expect(s.PaymentStatus).Should(Equal(model.PaymentStatusFailed))
				Expect(s.Status).Should(Equal(model.OrderStatusCancelled))
				Expect(s.GatewayReference).Should(Equal("prov_1"))
				Expect(jobs).Should(HaveLen(1))
				Expect(jobs[0].Kind).Should(Equal(model.JobKindPaymentEvent))
				return true, nil
			})
			ntf.EXPECT().Notify()

			outcome, err := srv.HandleCallback(ctx, body)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(outcome).Should(Equal(model.CallbackOutcomeFailed))
		})
		It("ignores a callback for an unknown order", func() {
			gw.EXPECT().ParseCallback(body).Return(model.CallbackResult{Success: true, Reference: "prov_1", ExternalReference: "NOPE"}, nil)

			outcome, err := srv.HandleCallback(ctx, body)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(outcome).Should(Equal(model.CallbackOutcomeIgnored))
		})
		It("falls back to the checkout request id", func() {
			gw.EXPECT().ParseCallback(body).Return(model.CallbackResult{Success: true, Reference: "ws_CO_1", CheckoutRequestID: "ws_CO_1"}, nil)
			rep.EXPECT().GetOrderByCheckoutRequestID(ctx, "ws_CO_1").Return(model.Order{}, internal.ErrNoRecords)

			outcome, err := srv.HandleCallback(ctx, body)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(outcome).Should(Equal(model.CallbackOutcomeIgnored))
		})
		It("treats a callback for a settled order as a duplicate", func() {
			o := pendingOrder()
			o.PaymentStatus = model.PaymentStatusCompleted
			o.Status = model.OrderStatusProcessing
			gw.EXPECT().ParseCallback(body).Return(model.CallbackResult{Success: false, Reference: "prov_2", ExternalReference: ref}, nil)
			rep.EXPECT().GetOrderByExternalReference(ctx, ref).Return(o, nil)

			outcome, err := srv.HandleCallback(ctx, body)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(outcome).Should(Equal(model.CallbackOutcomeDuplicate))
		})
		It("treats a lost settlement race as a duplicate", func() {
			gw.EXPECT().ParseCallback(body).Return(model.CallbackResult{Success: true, Reference: "prov_1", ExternalReference: ref}, nil)
			rep.EXPECT().GetOrderByExternalReference(ctx, ref).Return(pendingOrder(), nil)
			rep.EXPECT().SettlePayment(ctx, gomock.Any(), gomock.Any()).Return(false, nil)

			outcome, err := srv.HandleCallback(ctx, body)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(outcome).Should(Equal(model.CallbackOutcomeDuplicate))
		})
		It("records the receipt on an order settled without one", func() {
			o := pendingOrder()
			o.PaymentStatus = model.PaymentStatusCompleted
			o.Status = model.OrderStatusProcessing
			o.CheckoutRequestID = "ws_CO_1"
			gw.EXPECT().ParseCallback(body).Return(model.CallbackResult{Success: true, Reference: "ws_CO_1", CheckoutRequestID: "ws_CO_1", ProviderReference: "NLJ7RT61SV"}, nil)
			rep.EXPECT().GetOrderByCheckoutRequestID(ctx, "ws_CO_1").Return(o, nil)
			rep.EXPECT().SetTransactionID(ctx, "ord-1", "NLJ7RT61SV").Return(true, nil)

			outcome, err := srv.HandleCallback(ctx, body)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(outcome).Should(Equal(model.CallbackOutcomeDuplicate))
		})
		It("leaves a recorded receipt alone", func() {
			o := pendingOrder()
			o.PaymentStatus = model.PaymentStatusCompleted
			o.Status = model.OrderStatusProcessing
			o.TransactionID = "SAE3YULR0Y"
			gw.EXPECT().ParseCallback(body).Return(model.CallbackResult{Success: true, Reference: "prov_2", ExternalReference: ref, ProviderReference: "OTHER"}, nil)
			rep.EXPECT().GetOrderByExternalReference(ctx, ref).Return(o, nil)

			outcome, err := srv.HandleCallback(ctx, body)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(outcome).Should(Equal(model.CallbackOutcomeDuplicate))
		})
		It("records the receipt after losing the settlement race", func() {
			gw.EXPECT().ParseCallback(body).Return(model.CallbackResult{Success: true, Reference: "prov_1", ExternalReference: ref, ProviderReference: "SAE3YULR0Y"}, nil)
			rep.EXPECT().GetOrderByExternalReference(ctx, ref).Return(pendingOrder(), nil)
			rep.EXPECT().SettlePayment(ctx, gomock.Any(), gomock.Any()).Return(false, nil)
			rep.EXPECT().SetTransactionID(ctx, "ord-1", "SAE3YULR0Y").Return(false, nil)

			outcome, err := srv.HandleCallback(ctx, body)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(outcome).Should(Equal(model.CallbackOutcomeDuplicate))
		})
		It("reports a malformed payload", func() {
			gw.EXPECT().ParseCallback(body).Return(model.CallbackResult{}, internal.ErrMalformedCallback)

			_, err := srv.HandleCallback(ctx, body)
			Expect(err).Should(MatchError(internal.ErrMalformedCallback))
		})
		It("reports a storage failure", func() {
			gw.EXPECT().ParseCallback(body).Return(model.CallbackResult{Success: true, Reference: "prov_1", ExternalReference: ref}, nil)
			rep.EXPECT().GetOrderByExternalReference(ctx, ref).Return(pendingOrder(), nil)
			rep.EXPECT().SettlePayment(ctx, gomock.Any(), gomock.Any()).Return(false, errors.New("db down"))

			_, err := srv.HandleCallback(ctx, body)
			Expect(err).Should(HaveOccurred())
			Expect(errors.Is(err, internal.ErrMalformedCallback)).Should(BeFalse())
		})
	})

	Context("PollStatus", func() {
		withCheckout := func() model.Order {
			o := pendingOrder()
			o.CheckoutRequestID = "ws_1"
			return o
		}

		It("requires a checkout request id", func() {
			_, err := srv.PollStatus(ctx, 7, "")
			Expect(err).Should(MatchError(internal.ErrMissingCheckoutID))
		})
		It("passes the provider status through", func() {
			rep.EXPECT().GetOrderByCheckoutRequestID(ctx, "ws_1").Return(withCheckout(), nil)
			gw.EXPECT().QueryStatus(ctx, "ws_1").Return(model.GatewayStatus{State: model.PaymentStateSuccess, CheckoutRequestID: "ws_1"}, nil)

			st, err := srv.PollStatus(ctx, 7, "ws_1")
			Expect(err).ShouldNot(HaveOccurred())
			Expect(st.State).Should(Equal(model.PaymentStateSuccess))
		})
		It("reports an unknown checkout", func() {
			rep.EXPECT().GetOrderByCheckoutRequestID(ctx, "ws_9").Return(model.Order{}, internal.ErrNoRecords)

			_, err := srv.PollStatus(ctx, 7, "ws_9")
			Expect(err).Should(MatchError(internal.ErrOrderNotFound))
		})
		It("refuses another user's checkout without asking the provider", func() {
			newService(true)
			rep.EXPECT().GetOrderByCheckoutRequestID(ctx, "ws_1").Return(withCheckout(), nil)

			_, err := srv.PollStatus(ctx, 8, "ws_1")
			Expect(err).Should(MatchError(internal.ErrOrderBelongsToOther))
		})
		It("returns gateway errors", func() {
			rep.EXPECT().GetOrderByCheckoutRequestID(ctx, "ws_1").Return(withCheckout(), nil)
			gw.EXPECT().QueryStatus(ctx, "ws_1").Return(model.GatewayStatus{}, &internal.GatewayError{Op: internal.OpQuery, Err: errors.New("timeout")})

			_, err := srv.PollStatus(ctx, 7, "ws_1")
			Expect(err).Should(HaveOccurred())
		})
		It("settles the order from a terminal status when enabled", func() {
			newService(true)
			rep.EXPECT().GetOrderByCheckoutRequestID(ctx, "ws_1").Return(withCheckout(), nil)
			gw.EXPECT().QueryStatus(ctx, "ws_1").Return(model.GatewayStatus{State: model.PaymentStateSuccess, Reference: "prov_5", CheckoutRequestID: "ws_1"}, nil)
			rep.EXPECT().SettlePayment(ctx, gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, s model.Settlement, _ []model.OutboxJob) (bool, error) {
				Expect(s.PaymentStatus).Should(Equal(model.PaymentStatusCompleted))
				Expect(s.GatewayReference).Should(Equal("prov_5"))
				return true, nil
			})
			ntf.EXPECT().Notify()

			_, err := srv.PollStatus(ctx, 7, "ws_1")
			Expect(err).ShouldNot(HaveOccurred())
		})
		It("does not settle from a pending status", func() {
			newService(true)
			rep.EXPECT().GetOrderByCheckoutRequestID(ctx, "ws_1").Return(withCheckout(), nil)
			gw.EXPECT().QueryStatus(ctx, "ws_1").Return(model.GatewayStatus{State: model.PaymentStatePending}, nil)

			_, err := srv.PollStatus(ctx, 7, "ws_1")
			Expect(err).ShouldNot(HaveOccurred())
		})
	})

	Context("ReconcilePending", func() {
		var rec internal.IReconciler
		BeforeEach(func() {
			rec = internal.NewService(rep, gw, ntf, zap.NewNop().Sugar(), false)
		})
		stale := func(id, checkoutID string) model.Order {
			o := pendingOrder()
			o.ID = id
			o.CheckoutRequestID = checkoutID
			return o
		}

		It("settles terminal checkouts and skips the rest", func() {
			rep.EXPECT().PendingCheckouts(ctx, gomock.Any(), 20).Return([]model.Order{
				stale("ord-1", "ws_1"), stale("ord-2", "ws_2"), stale("ord-3", "ws_3"), stale("ord-4", "ws_4"),
			}, nil)
			gw.EXPECT().QueryStatus(ctx, "ws_1").Return(model.GatewayStatus{State: model.PaymentStateSuccess}, nil)
			gw.EXPECT().QueryStatus(ctx, "ws_2").Return(model.GatewayStatus{State: model.PaymentStatePending}, nil)
			gw.EXPECT().QueryStatus(ctx, "ws_3").Return(model.GatewayStatus{}, errors.New("timeout"))
			gw.EXPECT().QueryStatus(ctx, "ws_4").Return(model.GatewayStatus{State: model.PaymentStateFailed, Message: "Request cancelled by user"}, nil)
			rep.EXPECT().SettlePayment(ctx, gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, s model.Settlement, jobs []model.OutboxJob) (bool, error) {
				Expect(s.OrderID).Should(Equal("ord-1"))
				Expect(s.PaymentStatus).Should(Equal(model.PaymentStatusCompleted))
				Expect(s.GatewayReference).Should(Equal("ws_1"))
				Expect(jobs).Should(HaveLen(2))
				return true, nil
			})
			rep.EXPECT().SettlePayment(ctx, gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, s model.Settlement, _ []model.OutboxJob) (bool, error) {
				Expect(s.OrderID).Should(Equal("ord-4"))
				Expect(s.PaymentStatus).Should(Equal(model.PaymentStatusFailed))
				return true, nil
			})
			ntf.EXPECT().Notify().Times(2)

			n, err := rec.ReconcilePending(ctx, time.Minute)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(n).Should(Equal(2))
		})
		It("only considers checkouts idle for the given age", func() {
			before := time.Now()
			rep.EXPECT().PendingCheckouts(ctx, gomock.Any(), 20).DoAndReturn(func(_ context.Context, cutoff time.Time, _ int) ([]model.Order, error) {
				Expect(cutoff).Should(BeTemporally("~", before.Add(-time.Minute), 5*time.Second))
				return nil, nil
			})

			n, err := rec.ReconcilePending(ctx, time.Minute)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(n).Should(BeZero())
		})
		It("reports a storage failure", func() {
			rep.EXPECT().PendingCheckouts(ctx, gomock.Any(), 20).Return(nil, errors.New("db down"))

			_, err := rec.ReconcilePending(ctx, time.Minute)
			Expect(err).Should(HaveOccurred())
		})
	})
})
