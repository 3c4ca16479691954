// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"librarium/configs"
	"librarium/internal/catalog"
	"librarium/internal/identity"
	"librarium/internal/loans"
	"librarium/internal/middleware"
	"librarium/internal/observability"
	"librarium/internal/reports"
	"librarium/internal/store"
)

func main() {
	cfg := configs.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, "librarium", cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("failed to shut down tracing", "error", err)
		}
	}()

	st, err := store.Open(cfg.DBDriver, cfg.DBDSN, store.WithLogger(logger))
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	identitySvc := identity.NewService(st, []byte(cfg.JWTSecret), cfg.TokenTTL)
	catalogSvc := catalog.NewService(st)
	loansSvc := loans.NewService(st)

	identityHandler := identity.NewHandler(identitySvc)
	catalogHandler := catalog.NewHandler(catalogSvc)
	loansHandler := loans.NewHandler(loansSvc, identitySvc, cfg.LoanPeriodDays, cfg.MaxActiveLoans)
	reportsHandler := reports.NewHandler(catalogSvc, identitySvc, loansSvc)

	router := newRouter(cfg, identityHandler, catalogHandler, loansHandler, reportsHandler)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "driver", cfg.DBDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func newRouter(cfg configs.Config, identityHandler *identity.Handler, catalogHandler *catalog.Handler, loansHandler *loans.Handler, reportsHandler *reports.Handler) http.Handler {
	secret := []byte(cfg.JWTSecret)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observability.Middleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", identityHandler.HandleRegister)
		r.Post("/auth/login", identityHandler.HandleLogin)
		r.Post("/auth/forgot-password", identityHandler.HandleForgotPassword)
		r.Post("/auth/reset-password", identityHandler.HandleResetPassword)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(secret))

			r.Get("/me", identityHandler.HandleMe)
			r.Patch("/me", identityHandler.HandleUpdateMe)
			r.Put("/me/password", identityHandler.HandleChangeMyPassword)
			r.Post("/me/loans", loansHandler.HandleBorrowSelf)
			r.Get("/me/loans", loansHandler.HandleMyLoans)
			r.Get("/me/loans/history", loansHandler.HandleMyHistory)
			r.Get("/me/loans/overdue", loansHandler.HandleMyOverdue)

			r.Get("/books", catalogHandler.HandleListBooks)
			r.Get("/books/genres", catalogHandler.HandleGenres)
			r.Get("/books/{id}", catalogHandler.HandleGetBook)
			r.Get("/publishers", catalogHandler.HandleListPublishers)
			r.Get("/publishers/{id}", catalogHandler.HandleGetPublisher)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				r.Post("/books", catalogHandler.HandleCreateBook)
				r.Patch("/books/{id}", catalogHandler.HandleUpdateBook)
				r.Delete("/books/{id}", catalogHandler.HandleDeleteBook)
				r.Get("/books/low-stock", catalogHandler.HandleLowStock)

				r.Post("/publishers", catalogHandler.HandleCreatePublisher)
				r.Put("/publishers/{id}", catalogHandler.HandleUpdatePublisher)
				r.Delete("/publishers/{id}", catalogHandler.HandleDeletePublisher)

				r.Get("/users", identityHandler.HandleListUsers)
				r.Post("/users", identityHandler.HandleCreateUser)
				r.Get("/users/{id}", identityHandler.HandleGetUser)
				r.Patch("/users/{id}", identityHandler.HandleUpdateUser)
				r.Put("/users/{id}/password", identityHandler.HandleUpdatePassword)
				r.Delete("/users/{id}", identityHandler.HandleDeleteUser)

				r.Post("/loans", loansHandler.HandleCreate)
				r.Get("/loans", loansHandler.HandleList)
				r.Post("/loans/{id}/return", loansHandler.HandleReturn)
				r.Get("/loans/overdue", loansHandler.HandleOverdue)
				r.Post("/loans/overdue/sweep", loansHandler.HandleOverdueSweep)

				r.Get("/dashboard", reportsHandler.HandleDashboard)
			})
		})
	})

	return r
}
