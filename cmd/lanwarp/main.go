// LDN master server — CLI entry point.
//
// Serves the binary LDN session protocol over TCP and a read-only analytics
// API over HTTP. Configuration comes from the environment (a .env file is
// honored when present).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lanwarp/lanwarp/internal/api"
	"github.com/lanwarp/lanwarp/internal/config"
	"github.com/lanwarp/lanwarp/internal/ipban"
	"github.com/lanwarp/lanwarp/internal/ldn"
	"github.com/lanwarp/lanwarp/internal/stats"
	"github.com/lanwarp/lanwarp/internal/util"
)

func main() {
	// Root context — cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if cfg.Debug {
		util.EnableDebug()
	}

	bans, err := ipban.Load(cfg.BanFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	server := ldn.NewServer(bans)

	collector := stats.NewCollector(server.Registry(), cfg.RedisAddr)
	go collector.Run(ctx)

	apiServer := api.NewServer(collector)
	go func() {
		if err := apiServer.Run(ctx, cfg.ApiAddr); err != nil {
			util.LogError("API server: %v", err)
		}
	}()

	if err := server.ListenAndServe(ctx, cfg.LdnAddr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	util.LogInfo("Shutdown complete")
}
