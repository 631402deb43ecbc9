package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cuemby/aico-slmf/pkg/config"
	"github.com/cuemby/aico-slmf/pkg/control"
	"github.com/cuemby/aico-slmf/pkg/envelope"
	"github.com/cuemby/aico-slmf/pkg/identity"
	"github.com/cuemby/aico-slmf/pkg/keyvault"
	"github.com/cuemby/aico-slmf/pkg/client"
	"github.com/cuemby/aico-slmf/pkg/broker"
	"github.com/cuemby/aico-slmf/pkg/log"
	"github.com/cuemby/aico-slmf/pkg/logpipeline"
	"github.com/cuemby/aico-slmf/pkg/scheduler"
	"github.com/cuemby/aico-slmf/pkg/store"
	"github.com/cuemby/aico-slmf/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "slmfd",
	Short:   "AICO Secure Local Message Fabric daemon",
	Long:    `slmfd runs the broker, event store, scheduler, log pipeline, and control plane of the Secure Local Message Fabric as a single process.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("slmfd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the fabric daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		secretEnv, _ := cmd.Flags().GetString("master-secret-env")
		secretFile, _ := cmd.Flags().GetString("master-secret-file")

		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
		}

		secretSource := buildSecretSource(secretEnv, secretFile)
		m, err := secretSource()
		if err != nil {
			return fmt.Errorf("read master secret: %w", err)
		}

		vault, err := keyvault.New(m)
		if err != nil {
			return fmt.Errorf("init keyvault: %w", err)
		}

		brokerID, err := vaultIdentity(vault, identity.Broker)
		if err != nil {
			return fmt.Errorf("derive broker identity: %w", err)
		}

		clientKeys, err := vault.AuthorizedClientKeys()
		if err != nil {
			return fmt.Errorf("derive authorized client keys: %w", err)
		}

		var allowed atomic.Value
		allowed.Store(keySetFrom(clientKeys))
		authorize := func(pub [32]byte) bool {
			set, _ := allowed.Load().(map[[32]byte]bool)
			return set[pub]
		}

		logger := log.Logger

		eventKey := vault.DeriveSymmetricKey("event_store")
		st, err := store.NewBoltStore(cfg.Store.DataDir, eventKey)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		defer st.Close()

		// securityPipeline carries transport-level security events (§7
		// UnauthorizedPeer) under origin "system" rather than the daemon's
		// own component identity, so the emitted topic is
		// logs/system/security per literal scenario S2. It starts in
		// bootstrap mode (writes straight to st) since no client
		// connection exists yet at Listen time, and is promoted to fabric
		// delivery once the internal client connects below.
		securityPipeline := logpipeline.New("system", st, logger)

		policy := store.Policy{ConditionalEnabled: cfg.Store.ConditionalPersistEnabled}
		codec := envelope.NewCodec(1)

		frontend, err := transport.Listen(cfg.Transport.Network, cfg.Transport.FrontendAddr, brokerID, authorize, logger)
		if err != nil {
			return fmt.Errorf("listen frontend: %w", err)
		}
		defer frontend.Close()

		backend, err := transport.Listen(cfg.Transport.Network, cfg.Transport.BackendAddr, brokerID, authorize, logger)
		if err != nil {
			return fmt.Errorf("listen backend: %w", err)
		}
		defer backend.Close()

		frontend.OnUnauthorized = func(pub [32]byte, remoteAddr string) {
			onUnauthorizedPeer(securityPipeline, logger, "frontend", remoteAddr)
		}
		backend.OnUnauthorized = func(pub [32]byte, remoteAddr string) {
			onUnauthorizedPeer(securityPipeline, logger, "backend", remoteAddr)
		}

		b := broker.New(cfg.Broker, codec, policy, st, logger)
		b.Serve(frontend, backend)
		defer b.Stop(frontend, backend)
		logger.Info().Str("frontend", frontend.Addr().String()).Str("backend", backend.Addr().String()).Msg("broker listening")

		pipeline := logpipeline.New("slmfd", st, logger)

		rotateKeys := buildRotateKeysFunc(secretSource, &allowed, logger)

		sched := scheduler.New(cfg.Scheduler, st, scheduler.NewHostSampler(), logger)
		if err := registerBuiltinTasks(sched, st, pipeline, cfg, rotateKeys); err != nil {
			return fmt.Errorf("register builtin tasks: %w", err)
		}

		hostKP, err := vault.Derive(identity.SystemHost)
		if err != nil {
			return fmt.Errorf("derive system_host identity: %w", err)
		}
		hostIdentity := transport.Identity{Public: hostKP.Public, Secret: hostKP.Secret}

		internal := client.New(identity.SystemHost, hostIdentity, brokerID.Public,
			cfg.Transport.Network, cfg.Transport.FrontendAddr, cfg.Transport.BackendAddr,
			cfg.Transport.HandshakeTimeout, cfg.Client, codec, logger)
		if err := internal.Connect(); err != nil {
			return fmt.Errorf("connect internal client: %w", err)
		}
		defer internal.Close()

		pipeline.AttachPublisher(internal)
		securityPipeline.AttachPublisher(internal)

		busStats := func() map[string]broker.Stats { return b.Stats() }
		ctrl := control.New(internal, sched, busStats, rotateKeys, logger)
		if err := ctrl.Start(); err != nil {
			return fmt.Errorf("start control plane: %w", err)
		}

		sched.Start()
		defer sched.Stop()

		logger.Info().Msg("slmfd running, press Ctrl+C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("shutting down")
		return nil
	},
}

func init() {
	runCmd.Flags().String("config", "", "Path to YAML config file (defaults baked in if omitted)")
	runCmd.Flags().String("master-secret-env", "AICO_SLMF_MASTER_SECRET", "Environment variable holding the master secret")
	runCmd.Flags().String("master-secret-file", "", "File containing the master secret (overrides the env var if set)")
}

// buildSecretSource returns a function that (re-)reads the master secret
// from its configured source, so control/security/rotate_keys can pick up
// an operator-rotated secret without a restart.
func buildSecretSource(envVar, file string) func() ([]byte, error) {
	return func() ([]byte, error) {
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, err
			}
			return bytesTrimNewline(data), nil
		}
		v := os.Getenv(envVar)
		if v == "" {
			return nil, fmt.Errorf("master secret not set (env %s is empty and no --master-secret-file given)", envVar)
		}
		return []byte(v), nil
	}
}

func bytesTrimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func vaultIdentity(v *keyvault.Vault, id identity.ID) (transport.Identity, error) {
	kp, err := v.Derive(id)
	if err != nil {
		return transport.Identity{}, err
	}
	return transport.Identity{Public: kp.Public, Secret: kp.Secret}, nil
}

// onUnauthorizedPeer handles a rejected connection attempt: a SECURITY-
// level log line locally, and a logs/system/security record through the
// pipeline so remote consumers and the Event Store see it too (§7
// UnauthorizedPeer, §8 Testable Property 2, scenario S2).
func onUnauthorizedPeer(sec *logpipeline.Pipeline, logger zerolog.Logger, listener, remoteAddr string) {
	msg := fmt.Sprintf("rejected unauthorized %s connection", listener)
	log.Security(logger, "UnauthorizedPeer", msg)
	sec.Log(logpipeline.LevelSecurity, "security", listener, msg, map[string]string{"remote_addr": remoteAddr})
}

func keySetFrom(keys map[identity.ID][32]byte) map[[32]byte]bool {
	set := make(map[[32]byte]bool, len(keys))
	for _, pub := range keys {
		set[pub] = true
	}
	return set
}

// buildRotateKeysFunc re-reads the master secret from its source and
// refreshes the broker's authorized client key set. The broker's own
// long-term identity is derived once at startup and does not change here;
// a full identity rotation (including the broker's own keypair) requires
// a restart, since transport.Listener binds its self identity at Listen
// time.
func buildRotateKeysFunc(secretSource func() ([]byte, error), allowed *atomic.Value, logger zerolog.Logger) control.RotateKeys {
	return func() error {
		m, err := secretSource()
		if err != nil {
			return err
		}
		v, err := keyvault.New(m)
		if err != nil {
			return err
		}
		keys, err := v.AuthorizedClientKeys()
		if err != nil {
			return err
		}
		allowed.Store(keySetFrom(keys))
		logger.Info().Msg("rotated authorized client key set")
		return nil
	}
}

// registerBuiltinTasks wires the fabric's own housekeeping tasks into the
// scheduler (§4.9's informative list, limited to what this process itself
// owns: log retention and key rotation are SLMF's; application-level tasks
// like background learning or memory consolidation belong to the modules
// that run on top of the fabric and register themselves). Each task is
// both registered (its handler) and seeded as a persisted ScheduledTask
// with §4.9's informative cadence, since sched.tick only dispatches tasks
// returned by ListTasks — a RegisterTask call alone never fires on its
// own. Seeding is skipped for a task_id that already exists, so an
// operator's control/scheduler/task/disable (or a rescheduled cadence)
// survives a daemon restart instead of being silently reset.
func registerBuiltinTasks(sched *scheduler.Scheduler, st store.Store, pipeline *logpipeline.Pipeline, cfg *config.Config, rotateKeys control.RotateKeys) error {
	sched.RegisterTask("log_retention_cleanup", func(ctx context.Context, configJSON []byte) error {
		cutoff := uint64(time.Now().Add(-cfg.Store.LogRetention).UnixMilli())
		n, err := st.DeleteEventsBefore("logs/", cutoff)
		if err != nil {
			return err
		}
		pipeline.Log(logpipeline.LevelInfo, "scheduler", "log_retention_cleanup", fmt.Sprintf("deleted %d expired log records", n), nil)
		return nil
	})

	sched.RegisterTask("health_check", func(ctx context.Context, configJSON []byte) error {
		pipeline.Log(logpipeline.LevelInfo, "scheduler", "health_check", "fabric health check ok", nil)
		return nil
	})

	sched.RegisterTask("key_rotation", func(ctx context.Context, configJSON []byte) error {
		if err := rotateKeys(); err != nil {
			return err
		}
		pipeline.Log(logpipeline.LevelSecurity, "scheduler", "key_rotation", "authorized client key set rotated", nil)
		return nil
	})

	builtins := []store.ScheduledTask{
		{TaskID: "log_retention_cleanup", TaskClass: "log_retention_cleanup", Schedule: "cron:0 3 * * *", Enabled: true},
		{TaskID: "key_rotation", TaskClass: "key_rotation", Schedule: "cron:0 4 1 * *", Enabled: true},
		{TaskID: "health_check", TaskClass: "health_check", Schedule: "interval:300", Enabled: true},
	}
	now := time.Now()
	for _, def := range builtins {
		if _, err := st.GetTask(def.TaskID); err == nil {
			continue
		}
		if err := sched.CreateTask(def, now); err != nil {
			return fmt.Errorf("seed builtin task %s: %w", def.TaskID, err)
		}
	}
	return nil
}
