// Command console runs the session-scoped command execution service.
//
// The service exposes an HTTP API to create sessions, submit commands for
// execution, browse command history and workspace file trees, and stream
// realtime execution events over SSE. Commands are executed by a model-backed
// executor (Anthropic or OpenAI); session, command and workspace state lives
// either in memory or in MongoDB, and events can additionally be relayed to
// Redis-backed Pulse streams for out-of-process consumers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/redis/go-redis/v9"
	openaisdk "github.com/sashabaranov/go-openai"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/console/bus"
	"goa.design/console/command"
	commandinmem "goa.design/console/command/inmem"
	"goa.design/console/dispatch"
	commandmongo "goa.design/console/features/command/mongo"
	anthropicexec "goa.design/console/features/executor/anthropic"
	openaiexec "goa.design/console/features/executor/openai"
	sessionmongo "goa.design/console/features/session/mongo"
	pulserelay "goa.design/console/features/stream/pulse"
	pulseclient "goa.design/console/features/stream/pulse/clients/pulse"
	workspacemongo "goa.design/console/features/workspace/mongo"
	"goa.design/console/gateway"
	"goa.design/console/session"
	sessioninmem "goa.design/console/session/inmem"
	"goa.design/console/workspace"
	workspaceinmem "goa.design/console/workspace/inmem"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF, *dbgF); err != nil {
		log.Fatalf(ctx, err, "service exited")
	}
}

func run(ctx context.Context, configPath string, dbg bool) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	var (
		sessions  session.Store
		ledger    command.Ledger
		files     workspace.Store
		pingers   []health.Pinger
		mongoConn *mongodriver.Client
	)
	switch cfg.Store.Kind {
	case storeKindMongo:
		mongoConn, err = mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Store.Mongo.URI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := mongoConn.Disconnect(context.Background()); err != nil {
				log.Errorf(ctx, err, "disconnect mongo")
			}
		}()
		sessionStore, err := sessionmongo.New(sessionmongo.Options{
			Client:   mongoConn,
			Database: cfg.Store.Mongo.Database,
			Timeout:  cfg.Store.Mongo.Timeout,
		})
		if err != nil {
			return fmt.Errorf("build session store: %w", err)
		}
		commandLedger, err := commandmongo.New(commandmongo.Options{
			Client:   mongoConn,
			Database: cfg.Store.Mongo.Database,
			Timeout:  cfg.Store.Mongo.Timeout,
		})
		if err != nil {
			return fmt.Errorf("build command ledger: %w", err)
		}
		workspaceStore, err := workspacemongo.New(workspacemongo.Options{
			Client:   mongoConn,
			Database: cfg.Store.Mongo.Database,
			Timeout:  cfg.Store.Mongo.Timeout,
		})
		if err != nil {
			return fmt.Errorf("build workspace store: %w", err)
		}
		sessions, ledger, files = sessionStore, commandLedger, workspaceStore
		pingers = append(pingers, sessionStore, commandLedger, workspaceStore)
	default:
		sessions, ledger, files = sessioninmem.New(), commandinmem.New(), workspaceinmem.New()
	}

	eventBus := bus.New()

	var relay *pulserelay.Relay
	if cfg.Relay.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Relay.RedisAddr,
			Password: os.Getenv(cfg.Relay.RedisPasswordEnv),
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		pc, err := pulseclient.New(pulseclient.Options{
			Redis:        rdb,
			StreamMaxLen: cfg.Relay.StreamMaxLen,
		})
		if err != nil {
			return fmt.Errorf("build pulse client: %w", err)
		}
		relay, err = pulserelay.NewRelay(pulserelay.Options{Client: pc})
		if err != nil {
			return fmt.Errorf("build event relay: %w", err)
		}
		if _, err := eventBus.SubscribeAll(relay); err != nil {
			return fmt.Errorf("register event relay: %w", err)
		}
	}

	manager, err := session.NewManager(session.ManagerOptions{
		Store:    sessions,
		Commands: ledger,
		Files:    files,
		Dropper:  &subscriberDropper{ctx: ctx, bus: eventBus, relay: relay},
	})
	if err != nil {
		return fmt.Errorf("build session manager: %w", err)
	}

	exec, err := buildExecutor(cfg.Executor)
	if err != nil {
		return err
	}
	dispatcher, err := dispatch.New(dispatch.Options{
		Sessions: manager,
		Ledger:   ledger,
		Files:    files,
		Bus:      eventBus,
		Executor: exec,
		Timeout:  cfg.Dispatch.Timeout,
	})
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}
	manager.SetCanceller(dispatcher)

	gw, err := gateway.New(gateway.Options{
		Sessions:   manager,
		Dispatcher: dispatcher,
		Ledger:     ledger,
		Files:      files,
		Bus:        eventBus,
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	mux.Handle("/", gw.Handler())
	if dbg {
		debug.MountDebugLogEnabler(mux)
		debug.MountPprofHandlers(mux)
	}
	var handler http.Handler = mux
	if dbg {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "listening on %s", cfg.HTTP.Addr)
		errc <- srv.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-sigCtx.Done():
		log.Printf(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

// buildExecutor constructs the configured model-backed executor.
func buildExecutor(cfg ExecutorConfig) (dispatch.Executor, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("environment variable %s is not set", cfg.APIKeyEnv)
	}
	switch cfg.Provider {
	case executorAnthropic:
		ac := sdk.NewClient(option.WithAPIKey(apiKey))
		return anthropicexec.New(anthropicexec.Options{
			Messages:    &ac.Messages,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
	case executorOpenAI:
		return openaiexec.New(openaiexec.Options{
			Client:      openaisdk.NewClient(apiKey),
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: float32(cfg.Temperature),
		})
	default:
		return nil, fmt.Errorf("unknown executor provider %q", cfg.Provider)
	}
}

// subscriberDropper fans the session delete cascade out to every realtime
// surface: in-process bus subscribers and, when the relay is enabled, the
// session's Pulse stream.
type subscriberDropper struct {
	ctx   context.Context
	bus   *bus.Bus
	relay *pulserelay.Relay
}

func (d *subscriberDropper) DropSession(sessionID string) {
	d.bus.DropSession(sessionID)
	if d.relay != nil {
		if err := d.relay.DropSession(d.ctx, sessionID); err != nil {
			log.Errorf(d.ctx, err, "destroy stream for session %s", sessionID)
		}
	}
}
