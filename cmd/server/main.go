package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nickyhof/EntityDB"
	"github.com/nickyhof/EntityDB/config"
	"github.com/sirupsen/logrus"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	configPath := flag.String("config", "entitydb.yaml", "Config file")
	port := flag.Int("port", 7070, "TCP port to listen on")
	baseDir := flag.String("baseDir", "", "Base directory for persistence (memory if empty)")
	certFile := flag.String("tlsCert", "", "TLS certificate file")
	keyFile := flag.String("tlsKey", "", "TLS key file")
	jwtSecret := flag.String("jwtSecret", "", "Require JWT authentication signed with this secret")
	issuer := flag.String("jwtIssuer", "", "Expected JWT issuer")
	audience := flag.String("jwtAudience", "", "Expected JWT audience")
	metricsAddr := flag.String("metricsAddr", "", "Serve Prometheus metrics on this address")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("EntityDB Server v%s\n", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if *baseDir != "" {
		cfg.BaseDir = *baseDir
	}
	logger := cfg.NewLogger()
	cfg.Logger = logger

	instance, err := EntityDB.Open(cfg)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	info := instance.Info()
	logger.WithFields(logrus.Fields{"store_id": info.ID, "store_name": info.Name, "base_dir": cfg.BaseDir}).Info("Store opened")

	server := NewServerWithAuth(instance, &AuthConfig{
		Enabled:   *jwtSecret != "",
		JWTSecret: *jwtSecret,
		Issuer:    *issuer,
		Audience:  *audience,
	})

	addr := fmt.Sprintf(":%d", *port)
	if *certFile != "" {
		err = server.StartTLS(addr, *certFile, *keyFile)
	} else {
		err = server.Start(addr)
	}
	if err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", server.MetricsHandler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Metrics server stopped")
			}
		}()
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Printf("║   EntityDB Server v%-18s ║\n", Version)
	fmt.Println("║    Versioned Entity Store over SQL    ║")
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Listening on port %d\n", *port)
	fmt.Println("Send statements (one per line), 'quit' to disconnect")
	fmt.Println()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	server.Stop()
	logger.Info("Server stopped")
}
