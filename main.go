package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/disgoorg/disgo/bot"

	"github.com/leeineian/sacudo/src/api"
	_ "github.com/leeineian/sacudo/src/cmd"
	sacudo "github.com/leeineian/sacudo/src/discord"
	_ "github.com/leeineian/sacudo/src/proc"
	"github.com/leeineian/sacudo/src/sys"
)

func main() {
	// Parse flags
	silent := flag.Bool("silent", false, "Disable all log output")
	flag.Parse()

	if *silent {
		sys.SetSilentMode(true)
	}

	// 1. Check for and kill old process
	if pidData, err := os.ReadFile(".bot.pid"); err == nil {
		if oldPid, err := strconv.Atoi(string(pidData)); err == nil && oldPid != os.Getpid() {
			if process, err := os.FindProcess(oldPid); err == nil {
				// Check if it's still running
				if err := process.Signal(syscall.Signal(0)); err == nil {
					sys.LogInfo(sys.MsgBotKillingOld, oldPid)
					if err := process.Signal(syscall.SIGTERM); err == nil {
						// Wait for it to exit (up to 5 seconds)
						for i := 0; i < 50; i++ {
							if err := process.Signal(syscall.Signal(0)); err != nil {
								break // Process is gone
							}
							time.Sleep(100 * time.Millisecond)
						}
						sys.LogInfo(sys.MsgBotOldTerminated)
					} else {
						sys.LogWarn(sys.MsgBotKillFail, err)
					}
				}
			}
		}
	}

	// 2. Write PID file
	pid := os.Getpid()
	if err := os.WriteFile(".bot.pid", []byte(fmt.Sprintf("%d", pid)), 0644); err != nil {
		sys.LogWarn(sys.MsgBotPIDWriteFail, err)
	}
	defer os.Remove(".bot.pid")

	// 3. Setup shutdown signal
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)

	// 4. Run bot (blocks until shutdown signal)
	if err := run(sc, *silent); err != nil {
		sys.LogFatal("%v", err)
	}
}

func run(shutdownChan <-chan os.Signal, silent bool) error {
	// Load configuration
	cfg, err := sys.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sys.SetAppContext(ctx)

	// Initialize database
	if err := sys.InitDatabase(ctx, cfg.DatabasePath); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer sys.CloseDatabase()

	// Create Discord client
	client, err := sys.CreateClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to create Discord client: %w", err)
	}
	defer client.Close(context.Background())

	// 1. Background Command Registration (Parallel)
	go func() {
		if err := sys.RegisterCommands(client, cfg.GuildID); err != nil {
			sys.LogError(sys.MsgBotRegisterFail, err)
		}
	}()

	// 2. Dashboard API, started once the session system exists. The
	// pointer is written from the ready-event goroutine and read at
	// shutdown, so it goes through an atomic.
	var apiServer atomic.Pointer[api.Server]
	if cfg.APIEnabled {
		sys.OnClientReady(func(ctx context.Context, client *bot.Client) {
			srv := api.NewServer(sacudo.GetSystem(), cfg.APIAddr)
			apiServer.Store(srv)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					sys.LogAPI("Dashboard API failed: %v", err)
				}
			}()
		})
	}

	// 3. Connect to Gateway (daemons start on the Ready event)
	if err := client.OpenGateway(ctx); err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}

	<-shutdownChan
	if !silent {
		fmt.Println()
	}
	sys.LogInfo(sys.MsgBotShutdown, sys.GetProjectName())

	// Graceful teardown: sessions first so voice channels are left
	// cleanly, then the API, then the daemons.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if s := sacudo.GetSystem(); s != nil {
		s.Registry.Shutdown(shutdownCtx)
	}
	if srv := apiServer.Load(); srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	sys.ShutdownDaemons(shutdownCtx)

	return nil
}
