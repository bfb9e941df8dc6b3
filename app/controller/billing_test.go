package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/asesmen-labs/ms-go-billing/app/entity"
	"github.com/asesmen-labs/ms-go-billing/app/provider"
	"github.com/asesmen-labs/ms-go-billing/app/service"
	"github.com/asesmen-labs/ms-go-billing/app/types"
	"github.com/asesmen-labs/ms-go-billing/config"
)

type controllerTxnRepo struct {
	transactions map[uint64]*entity.Transaction
	nextID       uint64
}

func newControllerTxnRepo() *controllerTxnRepo {
	return &controllerTxnRepo{transactions: map[uint64]*entity.Transaction{}, nextID: 1}
}

func (r *controllerTxnRepo) Create(_ context.Context, txn *entity.Transaction) error {
	id := r.nextID
	r.nextID++
	copyItem := *txn
	copyItem.ID = id
	r.transactions[id] = &copyItem
	txn.ID = id
	return nil
}

func (r *controllerTxnRepo) FindByID(_ context.Context, id uint64) (*entity.Transaction, error) {
	item, ok := r.transactions[id]
	if !ok {
		return nil, nil
	}
	copyItem := *item
	return &copyItem, nil
}

func (r *controllerTxnRepo) FindByCode(_ context.Context, code string) (*entity.Transaction, error) {
	for _, item := range r.transactions {
		if item.Code == code {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

func (r *controllerTxnRepo) FindByProviderPaymentID(_ context.Context, providerName, providerPaymentID string) (*entity.Transaction, error) {
	for _, item := range r.transactions {
		if item.Provider != nil && *item.Provider == providerName &&
			item.ProviderPaymentID != nil && *item.ProviderPaymentID == providerPaymentID {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

func (r *controllerTxnRepo) AttachProviderPayment(_ context.Context, txn *entity.Transaction) error {
	copyItem := *txn
	r.transactions[txn.ID] = &copyItem
	return nil
}

func (r *controllerTxnRepo) TransitionStatus(_ context.Context, txn *entity.Transaction, from entity.TransactionStatus) (bool, error) {
	stored, ok := r.transactions[txn.ID]
	if !ok || stored.Status != from {
		return false, nil
	}
	copyItem := *txn
	r.transactions[txn.ID] = &copyItem
	return true, nil
}

func (r *controllerTxnRepo) ClearVoucherPending(_ context.Context, id uint64, now time.Time) error {
	if stored, ok := r.transactions[id]; ok {
		stored.VoucherPending = false
		stored.UpdatedAt = now
	}
	return nil
}

func (r *controllerTxnRepo) ListExpiredPending(context.Context, time.Time, time.Time, int32) ([]*entity.Transaction, error) {
	return nil, nil
}

func (r *controllerTxnRepo) ListVoucherPending(context.Context, int32) ([]*entity.Transaction, error) {
	return nil, nil
}

func (r *controllerTxnRepo) ListStalePending(context.Context, time.Time, int32) ([]*entity.Transaction, error) {
	return nil, nil
}

type controllerVoucherRepo struct {
	vouchers []*entity.Voucher
}

func (r *controllerVoucherRepo) Create(_ context.Context, voucher *entity.Voucher) error {
	copyItem := *voucher
	r.vouchers = append(r.vouchers, &copyItem)
	return nil
}

func (r *controllerVoucherRepo) FindByTransactionID(_ context.Context, transactionID uint64) (*entity.Voucher, error) {
	for _, item := range r.vouchers {
		if item.TransactionID == transactionID {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

func (r *controllerVoucherRepo) InvalidateByTransactionID(_ context.Context, transactionID uint64, now time.Time) (bool, error) {
	for _, item := range r.vouchers {
		if item.TransactionID == transactionID && !item.Used {
			item.Used = true
			return true, nil
		}
	}
	return false, nil
}

type controllerWebhookRepo struct {
	logs []*entity.WebhookLog
}

func (r *controllerWebhookRepo) Create(_ context.Context, log *entity.WebhookLog) error {
	copyItem := *log
	r.logs = append(r.logs, &copyItem)
	return nil
}

type controllerProvider struct {
	webhookEvt *provider.WebhookEvent
	webhookErr error
}

func (p *controllerProvider) Name() string { return "stripe" }

func (p *controllerProvider) CreatePayment(context.Context, *provider.CreateInput) (*provider.PaymentHandle, error) {
	url := "https://stripe.example/checkout"
	return &provider.PaymentHandle{ProviderPaymentID: "cs_test_123", CheckoutURL: &url, Status: provider.EventStatusPending}, nil
}

func (p *controllerProvider) GetPaymentStatus(context.Context, string) (*provider.PaymentHandle, error) {
	return &provider.PaymentHandle{ProviderPaymentID: "cs_test_123", Status: provider.EventStatusPending}, nil
}

func (p *controllerProvider) VerifyWebhook(context.Context, []byte, string) (*provider.WebhookEvent, error) {
	if p.webhookErr != nil {
		return nil, p.webhookErr
	}
	if p.webhookEvt != nil {
		return p.webhookEvt, nil
	}
	return &provider.WebhookEvent{
		Provider:          "stripe",
		ProviderPaymentID: "cs_test_123",
		EventType:         "checkout.session.completed",
		Status:            provider.EventStatusPaid,
	}, nil
}

func (p *controllerProvider) RefundPayment(context.Context, *provider.RefundInput) (*provider.RefundHandle, error) {
	return &provider.RefundHandle{RefundID: "re_test_123", Status: provider.EventStatusRefunded}, nil
}

func newControllerForTest(txnRepo *controllerTxnRepo, p provider.Provider) *BillingController {
	svc := service.NewBillingService(
		txnRepo,
		&controllerVoucherRepo{},
		&controllerWebhookRepo{},
		provider.NewRegistry(p),
		nil,
		config.PaymentsConfig{PendingTimeout: time.Minute, VoucherValidity: time.Hour, JobBatchSize: 100},
	)
	return NewBillingController(svc)
}

func doRequest(t *testing.T, handler echo.HandlerFunc, method, target string, body any, setup func(echo.Context)) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json marshal failed: %v", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	e := echo.New()
	req := httptest.NewRequest(method, target, reqBody)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	if setup != nil {
		setup(ctx)
	}

	if err := handler(ctx); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return rec
}

func TestCreatePaymentEndpointCreatesTransaction(t *testing.T) {
	txnRepo := newControllerTxnRepo()
	c := newControllerForTest(txnRepo, &controllerProvider{})

	rec := doRequest(t, c.CreatePayment, http.MethodPost, "/payments", map[string]any{
		"user_id":        7,
		"package_type":   "premium",
		"amount_cents":   4990,
		"currency":       "USD",
		"payment_method": "card",
		"provider":       "stripe",
	}, nil)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp types.TransactionEnvelopeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if resp.Transaction == nil || resp.Transaction.Status != "pending" {
		t.Fatalf("unexpected response: %+v", resp.Transaction)
	}
	if resp.Transaction.CheckoutURL == "" {
		t.Fatal("expected checkout url in response")
	}
}

func TestCreatePaymentEndpointUnknownProviderListsAvailable(t *testing.T) {
	c := newControllerForTest(newControllerTxnRepo(), &controllerProvider{})

	rec := doRequest(t, c.CreatePayment, http.MethodPost, "/payments", map[string]any{
		"user_id":        7,
		"package_type":   "premium",
		"amount_cents":   4990,
		"currency":       "USD",
		"payment_method": "card",
		"provider":       "paypal",
	}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	var resp types.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if len(resp.AvailableProviders) != 1 || resp.AvailableProviders[0] != "stripe" {
		t.Fatalf("expected available providers in response, got %v", resp.AvailableProviders)
	}
}

func TestCreatePaymentEndpointRejectsInvalidBody(t *testing.T) {
	c := newControllerForTest(newControllerTxnRepo(), &controllerProvider{})

	rec := doRequest(t, c.CreatePayment, http.MethodPost, "/payments", map[string]any{
		"package_type": "premium",
	}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetPaymentStatusEndpointNotFound(t *testing.T) {
	c := newControllerForTest(newControllerTxnRepo(), &controllerProvider{})

	rec := doRequest(t, c.GetPaymentStatus, http.MethodGet, "/payments/missing", nil, func(ctx echo.Context) {
		ctx.SetParamNames("code")
		ctx.SetParamValues("missing")
	})

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestWebhookEndpointInvalidSignatureIs400(t *testing.T) {
	c := newControllerForTest(newControllerTxnRepo(), &controllerProvider{webhookErr: provider.ErrInvalidSignature})

	rec := doRequest(t, c.HandleWebhook, http.MethodPost, "/webhooks/stripe", nil, func(ctx echo.Context) {
		ctx.SetParamNames("provider")
		ctx.SetParamValues("stripe")
		ctx.Request().Header.Set("Stripe-Signature", "t=1,v1=bogus")
		ctx.Request().Body = newBody(`{"id":"evt_1"}`)
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookEndpointUnmatchedIsAcknowledged(t *testing.T) {
	c := newControllerForTest(newControllerTxnRepo(), &controllerProvider{
		webhookEvt: &provider.WebhookEvent{
			Provider:          "stripe",
			ProviderPaymentID: "cs_unknown",
			EventType:         "checkout.session.completed",
			Status:            provider.EventStatusPaid,
		},
	})

	rec := doRequest(t, c.HandleWebhook, http.MethodPost, "/webhooks/stripe", nil, func(ctx echo.Context) {
		ctx.SetParamNames("provider")
		ctx.SetParamValues("stripe")
		ctx.Request().Header.Set("Stripe-Signature", "t=1,v1=abc")
		ctx.Request().Body = newBody(`{"id":"evt_1"}`)
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 acknowledgement, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookEndpointAppliesPaidTransition(t *testing.T) {
	txnRepo := newControllerTxnRepo()
	providerName := "stripe"
	providerPaymentID := "cs_test_123"
	now := time.Now().UTC().Add(-time.Hour)
	txnRepo.transactions[1] = &entity.Transaction{
		ID:                1,
		Code:              "txn-1",
		UserID:            7,
		PackageType:       "premium",
		AmountCents:       4990,
		Currency:          "USD",
		PaymentMethod:     "card",
		Status:            entity.TransactionStatusPending,
		Provider:          &providerName,
		ProviderPaymentID: &providerPaymentID,
		Metadata:          map[string]string{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	txnRepo.nextID = 2
	c := newControllerForTest(txnRepo, &controllerProvider{})

	rec := doRequest(t, c.HandleWebhook, http.MethodPost, "/webhooks/stripe", nil, func(ctx echo.Context) {
		ctx.SetParamNames("provider")
		ctx.SetParamValues("stripe")
		ctx.Request().Header.Set("Stripe-Signature", "t=1,v1=abc")
		ctx.Request().Body = newBody(`{"id":"evt_1"}`)
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	stored, _ := txnRepo.FindByID(context.Background(), 1)
	if stored.Status != entity.TransactionStatusPaid {
		t.Fatalf("expected paid status, got %s", stored.Status)
	}
}

func TestRefundEndpointOnPendingIs422(t *testing.T) {
	txnRepo := newControllerTxnRepo()
	providerName := "stripe"
	providerPaymentID := "cs_test_123"
	txnRepo.transactions[1] = &entity.Transaction{
		ID:                1,
		Code:              "txn-1",
		AmountCents:       4990,
		Currency:          "USD",
		Status:            entity.TransactionStatusPending,
		Provider:          &providerName,
		ProviderPaymentID: &providerPaymentID,
		Metadata:          map[string]string{},
	}
	txnRepo.nextID = 2
	c := newControllerForTest(txnRepo, &controllerProvider{})

	rec := doRequest(t, c.RefundPayment, http.MethodPost, "/payments/txn-1/refund", map[string]any{
		"reason": "customer request",
	}, func(ctx echo.Context) {
		ctx.SetParamNames("code")
		ctx.SetParamValues("txn-1")
	})

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	c := newControllerForTest(newControllerTxnRepo(), &controllerProvider{})

	rec := doRequest(t, c.Health, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func newBody(payload string) *readCloser {
	return &readCloser{Reader: bytes.NewReader([]byte(payload))}
}

type readCloser struct {
	*bytes.Reader
}

func (r *readCloser) Close() error { return nil }
