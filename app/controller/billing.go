package controller

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/asesmen-labs/ms-go-billing/app/factory"
	"github.com/asesmen-labs/ms-go-billing/app/mapper"
	"github.com/asesmen-labs/ms-go-billing/app/provider"
	"github.com/asesmen-labs/ms-go-billing/app/service"
	"github.com/asesmen-labs/ms-go-billing/app/types"
)

type BillingController struct {
	billingService *service.BillingService
	logger         logrus.FieldLogger
}

func NewBillingController(billingService *service.BillingService) *BillingController {
	return &BillingController{
		billingService: billingService,
		logger:         factory.NewModuleLogger("billing-controller"),
	}
}

func (c *BillingController) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.HealthResponse{Status: "ok"})
}

func (c *BillingController) Providers(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.ProvidersResponse{
		Providers: c.billingService.AvailableProviders(),
	})
}

func (c *BillingController) CreatePayment(ctx echo.Context) error {
	req, err := types.NewCreatePaymentRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.billingService.CreatePayment(ctx.Request().Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrProviderNotConfigured):
			return ctx.JSON(http.StatusBadRequest, &types.ErrorResponse{
				Error:              err.Error(),
				AvailableProviders: c.billingService.AvailableProviders(),
			})
		case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, provider.ErrInvalidRequest):
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrTransactionNotFound):
			return c.writeError(ctx, http.StatusNotFound, "transaction not found")
		case errors.Is(err, provider.ErrGatewayUnavailable):
			return c.writeError(ctx, http.StatusBadGateway, "payment gateway unavailable")
		default:
			factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Create payment failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusCreated, &types.TransactionEnvelopeResponse{Transaction: mapper.TransactionToResponse(item)})
}

func (c *BillingController) GetPaymentStatus(ctx echo.Context) error {
	req, err := types.NewGetPaymentStatusRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, voucher, gatewayStatus, err := c.billingService.GetPaymentStatus(ctx.Request().Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrTransactionNotFound) {
			return c.writeError(ctx, http.StatusNotFound, "transaction not found")
		}
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Get payment status failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, &types.PaymentStatusResponse{
		Transaction:   mapper.TransactionToResponse(item),
		Voucher:       mapper.VoucherToResponse(voucher),
		GatewayStatus: string(gatewayStatus),
	})
}

func (c *BillingController) RefundPayment(ctx echo.Context) error {
	req, err := types.NewRefundPaymentRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.billingService.RefundPayment(ctx.Request().Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTransactionNotFound):
			return c.writeError(ctx, http.StatusNotFound, "transaction not found")
		case errors.Is(err, service.ErrRefundPrecondition), errors.Is(err, provider.ErrRefundNotSupported):
			return c.writeError(ctx, http.StatusUnprocessableEntity, "refund not possible through the gateway, manual processing required")
		case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, provider.ErrInvalidRequest):
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrProviderNotConfigured):
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		case errors.Is(err, provider.ErrGatewayUnavailable):
			return c.writeError(ctx, http.StatusBadGateway, "payment gateway unavailable")
		default:
			factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Refund payment failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusOK, &types.TransactionEnvelopeResponse{Transaction: mapper.TransactionToResponse(item)})
}

// HandleWebhook acknowledges callbacks the gateway should not retry
// with 200 even when nothing was applied: unmatched and out-of-order
// deliveries are final outcomes, retrying them cannot help. Only
// storage failures surface as 500 so the gateway redelivers.
func (c *BillingController) HandleWebhook(ctx echo.Context) error {
	req, err := types.NewWebhookRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	_, err = c.billingService.HandleWebhook(ctx.Request().Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrInvalidSignature):
			return c.writeError(ctx, http.StatusBadRequest, "invalid signature")
		case errors.Is(err, service.ErrCallbackRejected), errors.Is(err, service.ErrProviderNotConfigured):
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrTransactionNotFound):
			return ctx.JSON(http.StatusOK, &types.MessageResponse{Message: "Webhook acknowledged, no matching transaction"})
		case errors.Is(err, service.ErrIllegalTransition):
			return ctx.JSON(http.StatusOK, &types.MessageResponse{Message: "Webhook acknowledged, transition not applicable"})
		default:
			factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Handle webhook failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusOK, &types.MessageResponse{Message: "Webhook processed"})
}

func (c *BillingController) writeError(ctx echo.Context, statusCode int, message string) error {
	return ctx.JSON(statusCode, &types.ErrorResponse{Error: message})
}
