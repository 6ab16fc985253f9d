// Command sovereignsyncd runs one node of the peer-to-peer sync engine:
// gossip broadcast, the pairwise sync scheduler, the inbound pairwise
// responder loop, and the read-only admin/metrics façades, wired together
// by package runtime. It replaces the teacher's cmd/rechain, whose
// blockchain-style BFT consensus node (internal/consensus, internal/api's
// 483-line REST surface, internal/gossip's flat map CRDT) this engine has
// no equivalent of — see DESIGN.md for what was adapted versus deleted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rechain/sovereignsync/adapters"
	"github.com/rechain/sovereignsync/adapters/grpcstatus"
	"github.com/rechain/sovereignsync/adapters/httpstatus"
	"github.com/rechain/sovereignsync/applier"
	"github.com/rechain/sovereignsync/crdt/merge"
	"github.com/rechain/sovereignsync/dagstore"
	"github.com/rechain/sovereignsync/gossip"
	"github.com/rechain/sovereignsync/internal/storage"
	"github.com/rechain/sovereignsync/merkletree"
	"github.com/rechain/sovereignsync/pkg/config"
	"github.com/rechain/sovereignsync/pkg/ids"
	runtimepkg "github.com/rechain/sovereignsync/runtime"
	"github.com/rechain/sovereignsync/sync/pairwise"
	"github.com/rechain/sovereignsync/sync/scheduler"
	"github.com/rechain/sovereignsync/telemetry"
	"github.com/rechain/sovereignsync/transport/stream"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML/JSON config file (spec §6 option keys)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sovereignsyncd: load config: %v\n", err)
		os.Exit(1)
	}

	configureLogging(cfg.Logging)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("sovereignsyncd: fatal error")
	}
}

func configureLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

func run(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	identity, err := stream.LoadOrCreateIdentityKey(cfg.Identity.KeyFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	localPartyID := identityToPartyID(identity)

	oracle := adapters.NewStaticOracle()
	registry := merge.New()

	sink := telemetry.NewPrometheusSink(prometheus.NewRegistry())
	registry.OnFallback = sink.LWWFallback

	dagStore := dagstore.New(func(contextID ids.ID) (storage.Store, error) {
		path := filepath.Join(cfg.Storage.Path, contextID.Hex())
		return storage.NewBadgerStore(path, cfg.Storage.CacheSize, cfg.Storage.Sync)
	})
	defer dagStore.Close()

	newApplier := func(contextID ids.ID, store storage.Store) *applier.Applier {
		return applier.New(store, registry, localPartyID, ids.Zero)
	}

	bootstrapPeers, err := adapters.ParseBootstrapPeers(cfg.Network.Bootstrap)
	if err != nil {
		return fmt.Errorf("parse bootstrap peers: %w", err)
	}

	gossipProto, err := gossip.New(gossip.Config{
		ListenAddr:        cfg.Network.ListenAddress,
		BootstrapPeers:    bootstrapPeers,
		Fanout:            cfg.Gossip.Fanout,
		HeartbeatInterval: cfg.Heartbeat.Interval(),
	}, dagStore, newApplier, oracle)
	if err != nil {
		return fmt.Errorf("start gossip: %w", err)
	}
	defer gossipProto.Stop()

	transport, err := adapters.NewLibP2PTransport(cfg.Network.ListenAddress, adapters.StaticPeerResolver{})
	if err != nil {
		return fmt.Errorf("start peer transport: %w", err)
	}
	defer transport.Close()

	sched := scheduler.New(
		scheduler.Config{
			Frequency:             cfg.Sync.Frequency(),
			Interval:              cfg.Sync.Interval(),
			Timeout:               cfg.Sync.Timeout(),
			MaxConcurrent:         cfg.Sync.MaxConcurrent,
			PendingDeltaThreshold: cfg.Dag.PendingSnapshotThreshold,
		},
		dagStore,
		func(contextID ids.ID, store storage.Store) *applier.Applier {
			return applier.New(store, registry, localPartyID, ids.Zero)
		},
		transport,
		oracle,
		identity,
		localPartyID,
		oracle,
		pairwiseConfig(cfg),
	)

	rt := runtimepkg.New(
		runtimepkg.Config{
			StalePendingMaxAge: cfg.Dag.PendingMaxAge(),
		},
		dagStore,
		gossipProto,
		sched,
		transport,
		func(contextID ids.ID, entry *dagstore.Entry) *applier.Applier {
			return applier.New(entry.Store, registry, localPartyID, ids.Zero)
		},
		identity,
		localPartyID,
		oracle,
		pairwiseConfig(cfg),
		sink,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	defer rt.Stop()

	var httpSrv *httpstatus.Server
	if cfg.Admin.HTTPEnabled {
		httpSrv = httpstatus.NewServer(dagStore, func(contextID ids.ID) (httpstatus.RootHasher, bool) {
			return nil, false
		}, sink)
		go func() {
			if err := httpSrv.Start(cfg.Admin.HTTPAddress); err != nil {
				log.Warn().Err(err).Msg("sovereignsyncd: http admin server stopped")
			}
		}()
	}

	var grpcSrv *grpcstatus.Server
	if cfg.Admin.GRPCEnabled {
		grpcSrv = grpcstatus.NewServer()
		go func() {
			if err := grpcSrv.Serve(cfg.Admin.GRPCAddress); err != nil {
				log.Warn().Err(err).Msg("sovereignsyncd: grpc admin server stopped")
			}
		}()
	}

	log.Info().Str("party_id", localPartyID.Hex()).Str("listen", cfg.Network.ListenAddress).Msg("sovereignsyncd: running")

	<-ctx.Done()
	log.Info().Msg("sovereignsyncd: shutting down")

	if grpcSrv != nil {
		grpcSrv.Stop()
	}
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sync.Timeout())
		defer cancel()
		_ = httpSrv.Stop(shutdownCtx)
	}
	return nil
}

func pairwiseConfig(cfg *config.Config) pairwise.Config {
	strategy := pairwise.FreshNodeStrategy{Kind: pairwise.StrategySnapshot}
	switch cfg.Sync.FreshNodeStrategy {
	case "delta_sync":
		strategy = pairwise.FreshNodeStrategy{Kind: pairwise.StrategyDeltaSync}
	case "adaptive":
		strategy = pairwise.FreshNodeStrategy{Kind: pairwise.StrategyAdaptive, Threshold: cfg.Sync.AdaptiveThreshold}
	}
	return pairwise.Config{
		DeltaThreshold:    cfg.Sync.DeltaThreshold,
		SnapshotChunkSize: cfg.Sync.SnapshotChunkSize,
		FreshNodeStrategy: strategy,
		TreeParams:        merkletree.Params{Fanout: cfg.Tree.Fanout, LeafTargetBytes: cfg.Tree.LeafTargetBytes},
	}
}

// identityToPartyID derives this node's party id from its identity key's
// public key, so the id presented in gossip/pairwise traffic is always
// reproducible from (and verifiable against) the signing key itself.
func identityToPartyID(identity *stream.IdentityKey) ids.ID {
	var id ids.ID
	copy(id[:], identity.PublicKeyBytes())
	return id
}
