// Command meshctrld runs the mesh controller's coordination plane: the
// broker, status index, config service, upgrade orchestrator, and HA
// replicator, plus the user/API and HTTP health/metrics surfaces.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tg-mesh/ctrl/pkg/api"
	"github.com/tg-mesh/ctrl/pkg/broker"
	"github.com/tg-mesh/ctrl/pkg/config"
	"github.com/tg-mesh/ctrl/pkg/events"
	"github.com/tg-mesh/ctrl/pkg/ha"
	"github.com/tg-mesh/ctrl/pkg/log"
	"github.com/tg-mesh/ctrl/pkg/status"
	"github.com/tg-mesh/ctrl/pkg/store"
	"github.com/tg-mesh/ctrl/pkg/topology"
	"github.com/tg-mesh/ctrl/pkg/types"
	"github.com/tg-mesh/ctrl/pkg/upgrade"
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
	Use:     "meshctrld",
	Short:   "meshctrld is the coordination-plane controller for a wireless mesh backhaul network",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"meshctrld version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(applyCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("data-dir", "./meshctrld-data", "Data directory for bbolt-backed persistence")
	serveCmd.Flags().String("bind-addr", "0.0.0.0:7946", "Address the broker's gRPC transport listens on")
	serveCmd.Flags().String("http-addr", "127.0.0.1:9090", "Address for /health, /ready, /metrics")
	serveCmd.Flags().String("role", "primary", "HA role: primary or backup")
	serveCmd.Flags().String("peer-addr", "", "Broker dest id of the paired HA controller (empty runs standalone)")
	serveCmd.Flags().String("image-dir", "./meshctrld-data/images", "Directory the upgrade catalog scans for images")
	serveCmd.Flags().String("swarm-tracker", "", "Tracker/mirror URL advertised in seeded magnet URIs")
	serveCmd.Flags().String("golden-policy", "", "YAML file describing the golden-image auto-upgrade policy (empty disables it)")
}

// goldenPolicyFile is the on-disk shape of the --golden-policy document;
// it carries the same fields as upgrade.GoldenPolicy, minus the
// in-memory-only Blacklist and CommitWindow.
type goldenPolicyFile struct {
	Enabled           bool              `yaml:"enabled"`
	DesiredVersion    map[string]string `yaml:"desiredVersion"`
	BatchLimit        int               `yaml:"batchLimit"`
	Timeout           time.Duration     `yaml:"timeout"`
	Interval          time.Duration     `yaml:"interval"`
	PromoteOnMajority bool              `yaml:"promoteOnMajority"`
}

func loadGoldenPolicy(path string) (upgrade.GoldenPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return upgrade.GoldenPolicy{}, fmt.Errorf("read golden policy: %w", err)
	}
	var f goldenPolicyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return upgrade.GoldenPolicy{}, fmt.Errorf("parse golden policy: %w", err)
	}
	return upgrade.GoldenPolicy{
		Enabled:           f.Enabled,
		DesiredVersion:    f.DesiredVersion,
		BatchLimit:        f.BatchLimit,
		Timeout:           f.Timeout,
		Interval:          f.Interval,
		PromoteOnMajority: f.PromoteOnMajority,
	}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	roleFlag, _ := cmd.Flags().GetString("role")
	peerAddr, _ := cmd.Flags().GetString("peer-addr")
	imageDir, _ := cmd.Flags().GetString("image-dir")
	swarmTracker, _ := cmd.Flags().GetString("swarm-tracker")
	goldenPolicyPath, _ := cmd.Flags().GetString("golden-policy")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}

	st, err := store.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	topo := topology.NewMemory()
	sink := events.NewSink()
	sink.Start()
	defer sink.Stop()

	b := broker.New(nil)
	statusIdx := status.NewIndex(status.DefaultConfig(), topo, sink, b)
	b.SetIdentityResolver(statusIdx)

	ds, err := config.NewDocumentStore(dataDir, 3)
	if err != nil {
		return fmt.Errorf("open config document store: %w", err)
	}
	resolver, err := config.NewResolver(ds, config.NewCatalogs(), config.Catalog{}, nil)
	if err != nil {
		return fmt.Errorf("build config resolver: %w", err)
	}
	configPush := config.NewService(config.DefaultServiceConfig(), resolver, statusIdx, config.Catalog{}, b, sink)
	configPush.Start()
	defer configPush.Stop()

	catalog := upgrade.NewCatalog(imageDir, nil, st)
	swarm, err := upgrade.NewHTTPSwarm(swarmTracker, upgrade.DefaultSwarmPolicy())
	if err != nil {
		return fmt.Errorf("start swarm: %w", err)
	}
	queue := upgrade.NewQueue()
	effectiveConfigFor := func(nodeName string) types.ConfigDocument {
		for _, report := range statusIdx.All() {
			if report.NodeName == nodeName {
				return resolver.Resolve(report).Effective
			}
		}
		return nil
	}
	upgradeSvc := upgrade.NewService(upgrade.DefaultServiceConfig(), queue, catalog, swarm, statusIdx, topo, b,
		effectiveConfigFor, nil)

	if goldenPolicyPath != "" {
		policy, err := loadGoldenPolicy(goldenPolicyPath)
		if err != nil {
			return fmt.Errorf("load golden policy: %w", err)
		}
		upgradeSvc.SetGoldenRunner(upgrade.NewGoldenRunner(policy, topo, statusIdx, catalog, queue))
	}

	var replicator *ha.Replicator
	if peerAddr != "" {
		role := ha.RolePrimary
		if roleFlag == "backup" {
			role = ha.RoleBackup
		}
		replicator = ha.New(ha.DefaultConfig(role, Version, peerAddr), b, &minionSwitchBroadcaster{b: b, status: statusIdx})
		replicator.Start()
		defer replicator.Stop()
	}

	// api.NewServer registers itself against b's MsgAPIRequest handler;
	// the daemon never calls into it directly.
	api.NewServer(b, upgradeSvc, resolver, statusIdx, replicator)

	transport := broker.NewTransport(b)
	errCh := make(chan error, 1)
	go func() {
		if err := transport.ListenAndServe(bindAddr, nil); err != nil {
			errCh <- fmt.Errorf("broker transport: %w", err)
		}
	}()

	healthSrv := api.NewHealthServer(replicator, Version)
	go func() {
		if err := healthSrv.Start(httpAddr); err != nil {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	fmt.Printf("meshctrld listening: broker=%s http=%s role=%s\n", bindAddr, httpAddr, roleFlag)

	upgradeSvc.Start()
	defer upgradeSvc.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("shutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return err
	}
	return nil
}

// minionSwitchBroadcaster implements ha.MinionNotifier: it fans the
// auto-recovery "switch controllers" instruction (spec.md §4.E.1) out to
// every minion the status index currently knows about.
type minionSwitchBroadcaster struct {
	b      *broker.Broker
	status *status.Index
}

func (m *minionSwitchBroadcaster) SwitchControllers() {
	for _, report := range m.status.All() {
		env := &broker.Envelope{Type: broker.MsgSwitchController, Channel: broker.ChannelMinion}
		m.b.Send(report.MAC, env)
	}
}
