// Package app wires the pipeline: collection engine, normalizer, deduper,
// Periscope store, decay worker, sinks, and the ops server, with lifecycle
// and signal handling.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/periscope-sec/periscope/internal/config"
	"github.com/periscope-sec/periscope/internal/decay"
	"github.com/periscope-sec/periscope/internal/dedupe"
	"github.com/periscope-sec/periscope/internal/engine"
	"github.com/periscope-sec/periscope/internal/fetch"
	"github.com/periscope-sec/periscope/internal/metrics"
	"github.com/periscope-sec/periscope/internal/models"
	"github.com/periscope-sec/periscope/internal/normalize"
	"github.com/periscope-sec/periscope/internal/ops"
	"github.com/periscope-sec/periscope/internal/periscope"
	"github.com/periscope-sec/periscope/internal/registry"
	"github.com/periscope-sec/periscope/internal/secrets"
	"github.com/periscope-sec/periscope/internal/sinks"
)

// Exit codes for the run command.
const (
	ExitOK      = 0
	ExitStartup = 1
	ExitRuntime = 2
)

// rawChannelDepth bounds in-flight raw items between the engine and the
// normalizer; a stalled store blocks the engine through this channel.
const rawChannelDepth = 256

// flushPeriod is how often buffered writes are retried against the store.
const flushPeriod = 5 * time.Second

// App holds the assembled pipeline.
type App struct {
	cfg        config.Config
	reg        *registry.Registry
	store      *periscope.Store
	eng        *engine.Engine
	norm       *normalize.Normalizer
	ded        *dedupe.Deduper
	dispatcher *sinks.Dispatcher
	decay      *decay.Worker
	ops        *ops.Server
	rawCh      chan models.RawItem
	graph      *sinks.GraphSink
}

// New assembles the pipeline from configuration. Any failure here is a
// startup failure (exit code 1).
func New(cfg config.Config) (*App, error) {
	m := metrics.Default()
	provider := secrets.NewEnvProvider("PERISCOPE_SECRET_")

	reg, err := registry.Load(cfg.SourcesPath)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}

	storeCfg := periscope.DefaultConfig(cfg.StoreEndpoint)
	if cfg.StoreCredentialRef != "" {
		password, err := provider.Resolve(cfg.StoreCredentialRef)
		if err != nil {
			return nil, fmt.Errorf("store credential: %w", err)
		}
		storeCfg.Password = password
	}
	store := periscope.New(storeCfg, m)
	if err := store.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("store unreachable at %s: %w", cfg.StoreEndpoint, err)
	}

	httpClient := fetch.NewHTTPClient()
	fetchers := []fetch.Fetcher{
		fetch.NewFeedFetcher(httpClient),
		fetch.NewWebFetcher(httpClient, cfg.RendererEndpoint),
		fetch.NewAPIFetcher(httpClient, provider),
		fetch.NewSocialFetcher(httpClient, provider),
	}

	rawCh := make(chan models.RawItem, rawChannelDepth)
	eng := engine.New(engine.Config{
		GlobalConcurrency: int64(cfg.GlobalConcurrency),
		PerHostDefault:    int64(cfg.PerHostConcurrency),
	}, reg, fetchers, store, rawCh, m)

	var sinkList []sinks.Sink
	var graph *sinks.GraphSink
	if cfg.GraphEndpoint != "" {
		graph, err = sinks.NewGraphSink(cfg.GraphEndpoint)
		if err != nil {
			return nil, fmt.Errorf("graph sink: %w", err)
		}
		sinkList = append(sinkList, graph)
	}
	if cfg.VectorEndpoint != "" {
		sinkList = append(sinkList, sinks.NewVectorSink(cfg.VectorEndpoint, nil, nil))
	}

	decayCfg := decay.DefaultConfig()
	decayCfg.Period = cfg.DecayPeriod

	return &App{
		cfg:        cfg,
		reg:        reg,
		store:      store,
		eng:        eng,
		norm:       normalize.New(normalize.DefaultConfig(), nil, m),
		ded:        dedupe.New(dedupe.DefaultConfig(), store, m),
		dispatcher: sinks.NewDispatcher(m, sinkList...),
		decay:      decay.New(store, decayCfg, m),
		ops:        ops.New(cfg.OpsListenAddr, store, eng, nil),
		rawCh:      rawCh,
		graph:      graph,
	}, nil
}

// Engine exposes the collection engine, for the fetch subcommand.
func (a *App) Engine() *engine.Engine { return a.eng }

// Registry exposes the source registry.
func (a *App) Registry() *registry.Registry { return a.reg }

// Store exposes the tiered store.
func (a *App) Store() *periscope.Store { return a.store }

// Run executes the pipeline until SIGTERM/SIGINT or an unrecoverable error.
// SIGHUP reloads the sources file.
func (a *App) Run(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reloadCh := make(chan struct{}, 1)
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.eng.Run(gctx)
		close(a.rawCh)
		return nil
	})

	g.Go(func() error {
		return a.consume(gctx)
	})

	g.Go(func() error {
		a.decay.Run(gctx)
		return nil
	})

	g.Go(func() error {
		a.store.RunFlusher(gctx, flushPeriod)
		return nil
	})

	g.Go(func() error {
		a.dispatcher.RunRedrive(gctx)
		return nil
	})

	g.Go(func() error {
		if err := a.reg.Watch(gctx, reloadCh); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-sighup:
				log.Info().Msg("SIGHUP received, reloading sources")
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			}
		}
	})

	g.Go(func() error {
		return a.ops.Run(gctx)
	})

	err := g.Wait()
	a.close()
	if err != nil && parent.Err() == nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// consume drains the raw channel through normalize -> dedupe -> sinks. The
// channel is closed by the engine after its drain grace, which ends this
// loop.
func (a *App) consume(ctx context.Context) error {
	for raw := range a.rawCh {
		src, ok := a.reg.Lookup(raw.SourceID)
		if !ok {
			// Source removed mid-flight; already-stored items keep their
			// captured credibility, this raw item has nowhere to anchor.
			log.Debug().Str("source", raw.SourceID).Msg("Dropping raw item from removed source")
			continue
		}
		item, err := a.norm.Normalize(raw, src)
		if err != nil {
			if !models.IsKind(err, models.ErrParse) {
				log.Warn().Err(err).Str("source", raw.SourceID).Msg("Normalization failed")
			}
			continue
		}
		stored, outcome, err := a.ded.Apply(ctx, item)
		if err != nil {
			log.Error().Err(err).Str("item_id", item.ItemID).Msg("Pipeline write failed")
			continue
		}
		log.Debug().Str("item_id", stored.ItemID).Str("outcome", string(outcome)).Int("score", stored.Score).Msg("Item processed")
		a.dispatcher.Dispatch(ctx, stored)
	}
	return nil
}

func (a *App) close() {
	if a.graph != nil {
		a.graph.Close()
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close failed")
	}
}
