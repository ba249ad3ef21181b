// Command nova is the host-side control surface: register/list/invoke
// functions against the metadata store, run the warm-pool daemon, and
// inspect the on-disk pieces (snapshots, pool occupancy) operators need
// to see without a separate admin API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oriys/nova/internal/backend"
	"github.com/oriys/nova/internal/checkpoint"
	"github.com/oriys/nova/internal/config"
	"github.com/oriys/nova/internal/dispatcher"
	"github.com/oriys/nova/internal/docker"
	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/firecracker"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/pool"
	"github.com/oriys/nova/internal/registry"
	"github.com/oriys/nova/internal/snapshot"
	"github.com/oriys/nova/internal/store"
	"github.com/oriys/nova/internal/vmfork"
)

var (
	dsn             string
	configFile      string
	environmentsYML string
)

func main() {
	root := &cobra.Command{
		Use:   "nova",
		Short: "Control and run the sandbox function-execution engine",
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres DSN (overrides config and NOVA_PG_DSN)")
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a JSON config file")
	root.PersistentFlags().StringVar(&environmentsYML, "environments", "", "path to the environment registry YAML (§6)")

	root.AddCommand(
		registerCmd(),
		listCmd(),
		getCmd(),
		deleteCmd(),
		invokeCmd(),
		serveCmd(),
		checkpointCmd(),
		poolCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	if dsn != "" {
		cfg.Postgres.DSN = dsn
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	pg, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return store.NewStore(pg), nil
}

// buildBackend instantiates whichever of the two execution backends
// backend.DetectDefaultBackend() (or an explicit override) names. Both
// backends are constructed the same way the daemon needs them, so "invoke
// --local"-style one-shot commands and the serve daemon share this helper.
func buildBackend(cfg *config.Config, want domain.BackendType) (backend.Backend, domain.BackendType, error) {
	bt := want
	if bt == "" || bt == domain.BackendAuto {
		bt = backend.DetectDefaultBackend()
	}
	switch bt {
	case domain.BackendFirecracker:
		adapter, err := firecracker.NewAdapter(&cfg.Firecracker)
		if err != nil {
			return nil, bt, fmt.Errorf("init firecracker backend: %w", err)
		}
		return adapter, bt, nil
	default:
		mgr, err := docker.NewManager(&cfg.Docker)
		if err != nil {
			return nil, domain.BackendDocker, fmt.Errorf("init docker backend: %w", err)
		}
		return mgr, domain.BackendDocker, nil
	}
}

func toPoolConfig(c config.PoolConfig) pool.PoolConfig {
	return pool.PoolConfig{
		IdleTTL:             c.IdleTTL,
		CleanupInterval:     c.CleanupInterval,
		HealthCheckInterval: c.HealthCheckInterval,
		MaxPreWarmWorkers:   c.MaxPreWarmWorkers,
	}
}

func registerCmd() *cobra.Command {
	var (
		runtime     string
		handler     string
		codePath    string
		memoryMB    int
		timeoutS    int
		mode        string
		backendName string
		priority    string
	)

	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register a new function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			codeHash, err := domain.HashCodeFile(codePath)
			if err != nil {
				return fmt.Errorf("hash code file: %w", err)
			}

			now := time.Now()
			fn := &domain.Function{
				ID:          uuid.New().String(),
				Name:        args[0],
				Runtime:     domain.Runtime(runtime),
				Handler:     handler,
				CodePath:    codePath,
				CodeHash:    codeHash,
				Backend:     domain.BackendType(backendName),
				Mode:        domain.ExecutionMode(mode),
				Priority:    domain.Priority(priority),
				MemoryMB:    memoryMB,
				TimeoutS:    timeoutS,
				MinReplicas: 0,
				MaxReplicas: 1,
				CreatedAt:   now,
				UpdatedAt:   now,
			}

			code, err := os.ReadFile(codePath)
			if err != nil {
				return fmt.Errorf("read code file: %w", err)
			}
			if err := s.SaveFunction(ctx, fn); err != nil {
				return fmt.Errorf("save function: %w", err)
			}
			if err := s.SaveFunctionCode(ctx, fn.ID, string(code), codeHash); err != nil {
				return fmt.Errorf("save function code: %w", err)
			}

			fmt.Printf("registered %s (id=%s)\n", fn.Name, fn.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&runtime, "runtime", string(domain.RuntimePython), "function runtime")
	cmd.Flags().StringVar(&handler, "handler", "handler", "entrypoint inside the code file")
	cmd.Flags().StringVar(&codePath, "code", "", "path to the function's code file (required)")
	cmd.Flags().IntVar(&memoryMB, "memory", 128, "memory limit in MB")
	cmd.Flags().IntVar(&timeoutS, "timeout", 30, "execution timeout in seconds")
	cmd.Flags().StringVar(&mode, "mode", string(domain.ModeEphemeral), "execution mode (ephemeral, cached, checkpointed, branched, persistent)")
	cmd.Flags().StringVar(&backendName, "backend", "", "pin the backend (firecracker, docker); empty defers to Auto routing")
	cmd.Flags().StringVar(&priority, "priority", string(domain.PriorityStandard), "scheduling priority (realtime, standard, batch)")
	cmd.MarkFlagRequired("code")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered functions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			fns, err := s.ListFunctions(ctx, 200, 0)
			if err != nil {
				return err
			}
			for _, fn := range fns {
				fmt.Printf("%-36s  %-24s  %-10s  %-10s\n", fn.ID, fn.Name, fn.Runtime, fn.Mode)
			}
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Show a registered function as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			fn, err := s.GetFunctionByName(ctx, args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(fn, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a registered function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			fn, err := s.GetFunctionByName(ctx, args[0])
			if err != nil {
				return err
			}
			if err := s.DeleteFunction(ctx, fn.ID); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func invokeCmd() *cobra.Command {
	var (
		payload          string
		mode             string
		runtimeHint      string
		parentSnapshotID string
		branchFromID     string
	)

	cmd := &cobra.Command{
		Use:   "invoke <name>",
		Short: "Invoke a registered function through the full dispatcher request contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			b, bt, err := buildBackend(cfg, domain.BackendAuto)
			if err != nil {
				return err
			}
			defer b.Shutdown()

			p := pool.NewPool(b, toPoolConfig(cfg.Pool))
			defer p.Shutdown()
			logging.Op().Debug("invoke using backend", "backend", bt)

			exec := dispatcher.New(s, p)
			defer exec.Shutdown(5 * time.Second)

			req := domain.InvokeRequest{
				FunctionName:     args[0],
				Payload:          json.RawMessage(payload),
				Mode:             domain.ExecutionMode(mode),
				RuntimeHint:      domain.RuntimeHint(runtimeHint),
				ParentSnapshotID: parentSnapshotID,
				BranchFromID:     branchFromID,
			}
			resp, err := exec.InvokeRequest(ctx, req)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(resp, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload passed to the function")
	cmd.Flags().StringVar(&mode, "mode", "", "execution mode override; defaults to the function's own stored mode")
	cmd.Flags().StringVar(&runtimeHint, "runtime-hint", "", "runtime hint override (container, microvm, auto)")
	cmd.Flags().StringVar(&parentSnapshotID, "parent-snapshot", "", "checkpointed mode: snapshot to resume from")
	cmd.Flags().StringVar(&branchFromID, "branch-from", "", "branched mode: fork id to branch from")
	return cmd
}

// serveCmd runs the long-lived daemon: the other backend's pool is
// registered as the dispatcher's alternate pool, which Auto runtime-hint
// routing picks and logs while calls still execute on the primary pool, plus the
// environment registry, snapshot store, and fork tree that unlock
// Checkpointed and Branched mode.
func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher daemon, keeping warm pools for both backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.SetLevelFromString(cfg.Daemon.LogLevel)

			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			primaryBackend, primaryType, err := buildBackend(cfg, domain.BackendAuto)
			if err != nil {
				return err
			}
			defer primaryBackend.Shutdown()

			altType := domain.BackendDocker
			if primaryType == domain.BackendDocker {
				altType = domain.BackendFirecracker
			}
			altBackend, _, altErr := buildBackend(cfg, altType)
			var altPool *pool.Pool
			if altErr != nil {
				logging.Op().Warn("alternate backend unavailable, Auto routing will only use the primary pool", "backend", altType, "error", altErr)
			} else {
				altPool = pool.NewPool(altBackend, toPoolConfig(cfg.Pool))
				defer altBackend.Shutdown()
				defer altPool.Shutdown()
			}

			primaryPool := pool.NewPool(primaryBackend, toPoolConfig(cfg.Pool))
			defer primaryPool.Shutdown()

			opts := []dispatcher.Option{}
			if altPool != nil {
				opts = append(opts, dispatcher.WithAlternatePool(altPool))
			}
			if environmentsYML != "" {
				reg, err := registry.Load(environmentsYML)
				if err != nil {
					return fmt.Errorf("load environment registry: %w", err)
				}
				opts = append(opts, dispatcher.WithEnvironmentRegistry(reg))
			}

			snapDir := primaryBackend.SnapshotDir()
			var snapStore *snapshot.Store
			if snapDir != "" {
				// The firecracker Manager's own snapshot calls
				// (CreateSnapshot(vmID, funcID), apiLoadSnapshot against a
				// *VM) predate this store and don't share its VMSnapshotter
				// shape (SnapshotVM/RestoreVM keyed by plain vmID/paths).
				// Bridging the two is a Manager-side change, not a CLI one,
				// so the store here runs without a live capture backend:
				// Checkpointed-mode lookups and `checkpoint inspect` work
				// against whatever the pool's own snapshot path has already
				// written to snapDir, but the store itself cannot drive a
				// fresh capture.
				snapStore, err = snapshot.New(snapDir, nil)
				if err != nil {
					return fmt.Errorf("open snapshot store: %w", err)
				}
				opts = append(opts, dispatcher.WithSnapshotStore(snapStore))
				opts = append(opts, dispatcher.WithForkTree(vmfork.New(snapStore, vmfork.DefaultConfig())))
			}

			opts = append(opts, dispatcher.WithWorkspaceStore(checkpoint.NewStore(6*time.Hour)))

			exec := dispatcher.New(s, primaryPool, opts...)
			defer exec.Shutdown(10 * time.Second)

			logging.Op().Info("nova daemon ready", "backend", primaryType, "alternate_backend", altType, "http_addr", cfg.Daemon.HTTPAddr)
			<-ctx.Done()
			logging.Op().Info("shutting down")
			return nil
		},
	}
	return cmd
}

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect the VM snapshot store",
	}
	cmd.AddCommand(checkpointInspectCmd(), checkpointListCmd())
	return cmd
}

func openSnapshotStoreReadOnly(cfg *config.Config) (*snapshot.Store, error) {
	dir := cfg.Firecracker.SnapshotDir
	if dir == "" {
		return nil, fmt.Errorf("no snapshot directory configured")
	}
	// Inspection never creates or restores a snapshot, so it never touches
	// the VMSnapshotter the store would otherwise delegate to.
	return snapshot.New(dir, nil)
}

func checkpointInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <snapshot-id>",
		Short: "Print one snapshot's metadata as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			snapStore, err := openSnapshotStoreReadOnly(cfg)
			if err != nil {
				return err
			}
			meta, ok := snapStore.Get(args[0])
			if !ok {
				return fmt.Errorf("snapshot not found: %s", args[0])
			}
			out, _ := json.MarshalIndent(meta, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func checkpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known snapshot ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			snapStore, err := openSnapshotStoreReadOnly(cfg)
			if err != nil {
				return err
			}
			for _, id := range snapStore.List() {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func poolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect and prime the warm-VM pool",
	}
	cmd.AddCommand(poolWarmCmd())
	return cmd
}

// poolWarmCmd pre-warms a function up to its own MinReplicas, mirroring the
// path the daemon's pre-warm scheduler takes after a function is created or
// updated, without requiring the daemon to be running first.
func poolWarmCmd() *cobra.Command {
	var replicas int

	cmd := &cobra.Command{
		Use:   "warm <name>",
		Short: "Pre-warm a function's pool up to its MinReplicas (or --replicas)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			fn, err := s.GetFunctionByName(ctx, args[0])
			if err != nil {
				return err
			}
			if replicas > 0 {
				fn.MinReplicas = replicas
			}

			code, err := s.GetFunctionCode(ctx, fn.ID)
			if err != nil {
				return fmt.Errorf("load function code: %w", err)
			}
			var codeContent []byte
			if len(code.CompiledBinary) > 0 {
				codeContent = code.CompiledBinary
			} else {
				codeContent = []byte(code.SourceCode)
			}

			b, bt, err := buildBackend(cfg, fn.Backend)
			if err != nil {
				return err
			}
			defer b.Shutdown()

			p := pool.NewPool(b, toPoolConfig(cfg.Pool))
			defer p.Shutdown()

			if err := p.EnsureReady(ctx, fn, codeContent); err != nil {
				return fmt.Errorf("pre-warm: %w", err)
			}
			fmt.Printf("warmed %s on %s: %d replica(s)\n", fn.Name, bt, fn.MinReplicas)
			return nil
		},
	}
	cmd.Flags().IntVar(&replicas, "replicas", 0, "override the function's stored MinReplicas for this warm-up")
	return cmd
}
