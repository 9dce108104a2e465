package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/nyxandro/remote-vibe-station-sub000/cmd/vibestation/internal"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/actions"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/agentclient"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/api"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/bus"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/config"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/events"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/logger"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/outbox"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/previews"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/routes"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/stream"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/translate"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/worker"
)

func gatewayCmd(debug bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}
	if cfg.Log.File != "" {
		if err := logger.SetLogFile(cfg.Log.File); err != nil {
			return err
		}
	}

	table, err := routes.NewTable(time.Duration(cfg.Routes.TTLHours) * time.Hour)
	if err != nil {
		return err
	}

	store, err := outbox.NewStore(outbox.StoreConfig{
		Path:           cfg.Outbox.Path,
		LeaseDuration:  time.Duration(cfg.Outbox.LeaseSeconds) * time.Second,
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		BackoffBase:    time.Duration(cfg.Outbox.BackoffBaseMS) * time.Millisecond,
		BackoffCeiling: time.Duration(cfg.Outbox.BackoffCeilingMS) * time.Millisecond,
		DeadMaxAge:     time.Duration(cfg.Outbox.DeadMaxAgeHours) * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("error opening outbox: %w", err)
	}
	delivery := outbox.NewDelivery(store, cfg.Outbox.ChunkSize)

	previewStore := previews.NewStore(cfg.Previews.Path,
		time.Duration(cfg.Previews.MaxAgeHours)*time.Hour)

	eventBus := bus.NewEventBus(cfg.Bus.History)

	ingestor := stream.NewIngestor(stream.Config{
		BaseURL: cfg.Agent.BaseURL,
		Token:   cfg.Agent.Token,
	}, eventBus)

	agent := agentclient.New(cfg.Agent.BaseURL, cfg.Agent.Token)
	handler := actions.NewHandler(table, agent, ingestor)

	dests := translate.DestinationMap(cfg.Telegram.OperatorChats)
	translator := translate.New(table, delivery, previewStore, dests, cfg.Previews.BaseURL)
	translator.Attach(eventBus)
	defer translator.Detach()

	attachAutoBind(eventBus, table, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, dir := range cfg.Agent.Directories {
		ingestor.EnsureDirectory(dir)
	}
	defer ingestor.Stop()

	apiServer := api.NewServer(cfg.API.Host, cfg.API.Port, cfg.API.WorkerToken,
		store, eventBus, previewStore)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		apiServer.Stop(shutdownCtx)
		return nil
	})

	if cfg.Telegram.Enabled {
		tgWorker, err := worker.New(worker.Config{
			Token:         cfg.Telegram.Token,
			AllowFrom:     cfg.Telegram.AllowFrom,
			OperatorChats: cfg.Telegram.OperatorChats,
		}, store, delivery, handler)
		if err != nil {
			return err
		}
		g.Go(func() error {
			err := tgWorker.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		fmt.Println("✓ Telegram worker started")
	}

	if cfg.Outbox.PruneSchedule != "" {
		g.Go(func() error {
			runPruneLoop(gctx, store, cfg.Outbox.PruneSchedule, cfg.Outbox.KeepDelivered)
			return nil
		})
	}

	fmt.Printf("✓ Gateway started on %s:%d\n", cfg.API.Host, cfg.API.Port)
	fmt.Printf("✓ Watching %d director(ies) on %s\n", len(cfg.Agent.Directories), cfg.Agent.BaseURL)
	fmt.Println("Press Ctrl+C to stop")

	err = g.Wait()
	fmt.Println("✓ Gateway stopped")
	return err
}

// attachAutoBind routes sessions automatically when exactly one operator
// is configured: every session the agent starts in a watched directory
// belongs to them. Multi-operator setups bind through the session picker
// instead.
func attachAutoBind(eventBus *bus.EventBus, table *routes.Table, cfg *config.Config) {
	if len(cfg.Telegram.OperatorChats) != 1 {
		return
	}
	var soleOwner string
	for owner := range cfg.Telegram.OperatorChats {
		soleOwner = owner
	}

	eventBus.Subscribe(func(env events.Envelope) {
		if env.Type != events.TypeAgentEvent {
			return
		}
		se, ok := env.Data.(events.StreamEvent)
		if !ok {
			return
		}
		if sess, ok := se.Event.(*events.SessionEvent); ok {
			table.Bind(sess.SessionID, soleOwner, se.Directory)
		}
	})
}

// runPruneLoop checks the cron schedule once a minute and prunes the
// outbox when due.
func runPruneLoop(ctx context.Context, store *outbox.Store, schedule string, keep int) {
	gron := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := gron.IsDue(schedule, time.Now())
			if err != nil || !due {
				continue
			}
			removed, err := store.PruneDelivered(keep)
			if err != nil {
				logger.ErrorCF("gateway", "Outbox prune failed", map[string]any{
					"error": err.Error(),
				})
				continue
			}
			if removed > 0 {
				logger.InfoCF("gateway", "Outbox pruned", map[string]any{
					"removed": removed,
				})
			}
		}
	}
}
