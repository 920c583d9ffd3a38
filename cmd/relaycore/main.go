package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/relaycore/orchestrator/config"
	"github.com/relaycore/orchestrator/server"

	_ "github.com/relaycore/orchestrator/provider/gemini"
	_ "github.com/relaycore/orchestrator/provider/ollama"
	_ "github.com/relaycore/orchestrator/provider/openai"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.Default()

	addr := os.Getenv("RELAYCORE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	providers := config.LoadFromEnviron()
	srv := server.New(providers, logger)

	logger.Info("relaycore listening", "addr", addr)
	return http.ListenAndServe(addr, srv.Mux())
}
