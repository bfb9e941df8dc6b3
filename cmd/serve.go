package cmd

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/asesmen-labs/ms-go-billing/app/controller"
	"github.com/asesmen-labs/ms-go-billing/app/event"
	"github.com/asesmen-labs/ms-go-billing/app/provider"
	"github.com/asesmen-labs/ms-go-billing/app/repository"
	"github.com/asesmen-labs/ms-go-billing/app/service"
	"github.com/asesmen-labs/ms-go-billing/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long:  "Start the HTTP (Echo) server for the billing service.",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) {
	cfg, billingService, cleanup := mustCreateBillingService()
	defer cleanup()

	billingController := controller.NewBillingController(billingService)
	e := setupHTTPServer(billingController)

	go func() {
		httpAddr := net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
		logrus.WithField("addr", httpAddr).Info("Starting HTTP server")
		if err := e.Start(httpAddr); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown error")
	}

	logrus.Info("Server stopped")
}

func setupHTTPServer(billingController *controller.BillingController) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogRemoteIP:  true,
		LogLatency:   true,
		LogUserAgent: true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v echomiddleware.RequestLoggerValues) error {
			fields := logrus.Fields{
				"remote_ip":  v.RemoteIP,
				"host":       v.Host,
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"latency_ns": v.Latency.Nanoseconds(),
				"user_agent": v.UserAgent,
				"request_id": v.RequestID,
			}
			entry := logrus.WithFields(fields)
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Info("http_request")
			return nil
		},
	}))
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	// Gateways will not send a request id, so generate one instead of
	// requiring it.
	e.Use(echomiddleware.RequestID())

	e.GET("/health", billingController.Health)

	payments := e.Group("/payments")
	payments.POST("", billingController.CreatePayment)
	payments.GET("/providers", billingController.Providers)
	payments.GET("/:code", billingController.GetPaymentStatus)
	payments.POST("/:code/refund", billingController.RefundPayment)

	webhooks := e.Group("/webhooks")
	webhooks.POST("/:provider", billingController.HandleWebhook)

	return e
}

func mustCreateBillingService() (*config.Config, *service.BillingService, func()) {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configureLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to ping database")
	}

	txnRepo := repository.NewTransactionRepository(db)
	voucherRepo := repository.NewVoucherRepository(db)
	webhookRepo := repository.NewWebhookLogRepository(db)

	var providers []provider.Provider
	if cfg.Stripe.SecretKey != "" {
		providers = append(providers, provider.NewStripeProvider(provider.StripeConfig{
			SecretKey:                 cfg.Stripe.SecretKey,
			WebhookSecret:             cfg.Stripe.WebhookSecret,
			SignatureToleranceSeconds: cfg.Stripe.SignatureToleranceSeconds,
			HTTPTimeout:               cfg.Stripe.HTTPTimeout,
		}))
	}
	if cfg.Xendit.APIKey != "" {
		providers = append(providers, provider.NewXenditProvider(provider.XenditConfig{
			APIKey:        cfg.Xendit.APIKey,
			CallbackToken: cfg.Xendit.CallbackToken,
			HTTPTimeout:   cfg.Xendit.HTTPTimeout,
		}))
	}
	providerRegistry := provider.NewRegistry(providers...)

	var publisher *event.StatusPublisher
	var statusPublisher service.StatusPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = event.NewStatusPublisher(cfg.Kafka.Brokers, cfg.Kafka.StatusTopic)
		statusPublisher = publisher
	}

	billingService := service.NewBillingService(
		txnRepo,
		voucherRepo,
		webhookRepo,
		providerRegistry,
		statusPublisher,
		cfg.Payments,
	)

	cleanup := func() {
		if publisher != nil {
			if err := publisher.Close(); err != nil {
				logrus.WithError(err).Warn("Failed to close event publisher")
			}
		}
		if err := db.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database")
		}
	}

	return cfg, billingService, cleanup
}
