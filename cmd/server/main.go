package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"stepup-service/internal/config"
	"stepup-service/internal/factory"
	"stepup-service/internal/handler"
	"stepup-service/internal/util"
)

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", zap.Error(err))
	}
	defer f.Close()

	cfg := f.Config()
	logger := f.Logger()

	router := buildRouter(f)

	var serverAddr string
	if cfg.Server.EnableTLS {
		serverAddr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	} else {
		serverAddr = cfg.GetServerAddress()
	}

	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Server.EnableTLS {
		server.TLSConfig = f.TLSManager().ServerConfig()

		if cfg.IsProduction() && cfg.Server.AutoCert {
			startAutoCertServers(f, server, cfg, router)
			return
		}

		logger.Info("Starting HTTPS server",
			zap.String("environment", cfg.Environment),
			zap.Int("port", cfg.Server.TLSPort),
			zap.Bool("auto_cert", cfg.Server.AutoCert),
		)
	} else {
		logger.Warn("Starting HTTP server, TLS is disabled",
			zap.String("environment", cfg.Environment),
			zap.Int("port", cfg.Server.Port),
		)
	}

	startServer(f, server, cfg)
}

// buildRouter assembles handlers and middleware from factory singletons.
func buildRouter(f *factory.Factory) http.Handler {
	logger := f.Logger()
	cfg := f.Config()
	services := f.ServiceFactory()

	auth := handler.NewAuthMiddleware(f.Issuer(), f.Evaluator(), logger)

	return handler.NewRouter(
		handler.NewAuthHandler(services.LoginService(), services.StepUpService(), f.Normalizer(), f.Scorer(), logger),
		handler.NewAccessHandler(f.Evaluator(), logger),
		handler.NewAuditHandler(services.AuditService(), logger),
		auth,
		f,
		cfg.IsProduction() && cfg.Server.EnableTLS,
		logger,
	)
}

// startAutoCertServers runs the production pair: port 80 for ACME
// challenges and redirects, port 443 for the API.
func startAutoCertServers(f *factory.Factory, server *http.Server, cfg *config.Config, router http.Handler) {
	logger := f.Logger()

	autoCert := f.TLSManager().AutocertManager()
	if autoCert == nil {
		logger.Fatal("AutoCert manager is not available in production")
	}

	httpServer := &http.Server{
		Addr:    ":80",
		Handler: autoCert.HTTPHandler(nil),
	}

	httpsServer := &http.Server{
		Addr:      ":443",
		Handler:   router,
		TLSConfig: server.TLSConfig,
	}

	go func() {
		logger.Info("Starting HTTP challenge listener on port 80")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP challenge listener failed", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("Starting HTTPS server with AutoCert on port 443",
			zap.String("domain", cfg.Server.Domain),
		)
		if err := httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTPS AutoCert server failed", zap.Error(err))
		}
	}()

	waitForShutdown(f, httpsServer, httpServer)
}

func startServer(f *factory.Factory, server *http.Server, cfg *config.Config) {
	logger := f.Logger()

	go func() {
		var err error
		if cfg.Server.EnableTLS {
			if cfg.Server.CertFile != "" && cfg.Server.KeyFile != "" {
				err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
			} else {
				// AutoCert or the development certificate, resolved at
				// handshake time by the TLS manager.
				err = server.ListenAndServeTLS("", "")
			}
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("environment", cfg.Environment),
		zap.Bool("tls_enabled", cfg.Server.EnableTLS),
		zap.String("address", server.Addr),
	)

	waitForShutdown(f, server)
}

func waitForShutdown(f *factory.Factory, servers ...*http.Server) {
	logger := f.Logger()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Failed to shut down server gracefully", zap.Error(err))
		}
	}

	f.Close()
}
