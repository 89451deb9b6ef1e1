package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/aigos/aigos/internal/alert"
	"github.com/aigos/aigos/internal/config"
	"github.com/aigos/aigos/internal/event"
	"github.com/aigos/aigos/internal/identity"
	"github.com/aigos/aigos/internal/killswitch"
	"github.com/aigos/aigos/internal/metrics"
	"github.com/aigos/aigos/internal/runtime"
	"github.com/aigos/aigos/internal/server"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// Exit codes, stable for scripting.
const (
	exitRuntime    = 1
	exitUsage      = 2
	exitValidation = 3
	exitNotFound   = 4
	exitPermission = 5
)

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "aigos",
		Short:         "Governance control plane for autonomous AI agents",
		Long:          "AIGOS governs autonomous AI agents: identity, capability and kill-switch control.\nRun a control plane, supervise an agent runtime, or verify the audit trail offline.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return exitf(exitUsage, "%s", err)
	})

	var configFile string
	var port int

	// ─── serve ───
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the AIGOS control plane (event ingest, command publisher, metrics)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile, port)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: aigos.yaml)")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port (default: 6780)")

	// ─── agent ───
	agentOpts := agentOptions{}
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a supervised demo agent wired to a control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(configFile, agentOpts)
		},
	}
	agentCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: aigos.yaml)")
	agentCmd.Flags().StringVar(&agentOpts.serverURL, "server", "http://localhost:6780", "Control plane base URL")
	agentCmd.Flags().StringVar(&agentOpts.token, "token", "", "Bearer token for the control plane")
	agentCmd.Flags().StringVar(&agentOpts.assetID, "asset-id", "agent-demo", "Asset ID of the agent")
	agentCmd.Flags().StringVar(&agentOpts.name, "name", "Demo Agent", "Asset display name")
	agentCmd.Flags().StringVar(&agentOpts.assetVersion, "asset-version", "0.1.0", "Asset version")
	agentCmd.Flags().StringVar(&agentOpts.org, "org", "default", "Organization the agent belongs to")
	agentCmd.Flags().StringVar(&agentOpts.risk, "risk", "limited", "Risk level: minimal, limited or high")
	agentCmd.Flags().StringVar(&agentOpts.ticket, "ticket", "", "Golden Thread ticket ID (required)")
	agentCmd.Flags().StringVar(&agentOpts.approvedBy, "approved-by", "", "Golden Thread approver (required)")
	agentCmd.Flags().StringVar(&agentOpts.action, "action", "search:web", "Action the demo loop checks against policy")
	agentCmd.Flags().DurationVar(&agentOpts.interval, "interval", 15*time.Second, "Demo loop interval")

	// ─── keygen ───
	keygenOpts := keygenOptions{}
	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 keypair for command signing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(keygenOpts)
		},
	}
	keygenCmd.Flags().StringVar(&keygenOpts.kid, "kid", "", "Key ID (default: public key fingerprint)")
	keygenCmd.Flags().StringVar(&keygenOpts.dir, "out", ".", "Directory the PEM files are written to")
	keygenCmd.Flags().StringVar(&keygenOpts.prefix, "prefix", "aigos", "File name prefix")

	// ─── verify ───
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Offline integrity verification",
	}

	verifyEventsCmd := &cobra.Command{
		Use:   "events [file]",
		Short: "Re-validate schema and canonical hash of every event in a JSON file",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerifyEvents(args[0])
		},
	}

	var checkpointEvents string
	verifyCheckpointCmd := &cobra.Command{
		Use:   "checkpoint [file]",
		Short: "Recompute a checkpoint's Merkle root from its event window",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if checkpointEvents == "" {
				return exitf(exitUsage, "--events is required")
			}
			return runVerifyCheckpoint(args[0], checkpointEvents)
		},
	}
	verifyCheckpointCmd.Flags().StringVar(&checkpointEvents, "events", "", "JSON file with the window's events, in sealed order")

	verifyCmd.AddCommand(verifyEventsCmd, verifyCheckpointCmd)

	// ─── status ───
	var statusServer, statusToken string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-asset activity on a running control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(statusServer, statusToken)
		},
	}
	statusCmd.Flags().StringVar(&statusServer, "server", "http://localhost:6780", "Control plane base URL")
	statusCmd.Flags().StringVar(&statusToken, "token", "", "Bearer token for the control plane")

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("AIGOS %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	rootCmd.AddCommand(serveCmd, agentCmd, keygenCmd, verifyCmd, statusCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitRuntime)
	}
}

// exactArgs is cobra.ExactArgs with the usage exit code attached.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return exitf(exitUsage, "%s requires exactly %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}

// ─── serve ───

func runServe(configFile string, portOverride int) error {
	loader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := loader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := loader.Get()
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}

	logger := newLogger(cfg.Server)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store, err := openStore(cfg.Events.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	checkpointer := event.NewCheckpointer(cfg.Events.Checkpoint, store, logger, m)

	var windows event.WindowStore
	if cfg.Events.RateLimit.Store == "redis" {
		windows = event.NewRedisWindows(cfg.Events.RateLimit)
	}
	limiter := event.NewLimiter(cfg.Events.RateLimit, windows, logger, m)

	alerts := alert.NewManager(cfg.Alerts, logger)

	// The bridge taps the write path so governance incidents reported by
	// remote agents, and the ingest rules' own findings, page the channels.
	ingestStore := event.Store(store)
	if alerts.HasSenders() {
		ingestStore = &alertingStore{inner: store, bridge: alert.NewBridge(alerts)}
	}

	ingestor := event.NewIngestor(cfg.Events, ingestStore, checkpointer, logger, m)
	if cfg.Events.Detect.Loop.Enabled {
		ingestor.AddRule(event.NewLoopRule(cfg.Events.Detect.Loop))
	}
	if cfg.Events.Detect.Velocity.Enabled {
		ingestor.AddRule(event.NewVelocityRule(cfg.Events.Detect.Velocity))
	}
	hub := server.NewCommandHub(logger, m)
	srv := server.NewServer(cfg.Server, ingestor, store, store, limiter, hub, reg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checkpointer.Run(ctx)
	go pruneAlerts(ctx, alerts)

	if configFile != "" {
		watcher, err := config.NewWatcher(loader, logger)
		if err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		} else {
			watcher.OnChange(func(c *config.Config) {
				logger.Info("config file reloaded; server settings apply on restart", "path", loader.FilePath())
			})
			watcher.Start()
			defer func() { _ = watcher.Stop() }()
		}
	}

	printServeBanner(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
	}()

	if err := srv.Start(); err != nil {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// fullStore is what serve needs from a storage driver: the event log plus
// the checkpoint log, behind one handle.
type fullStore interface {
	event.Store
	event.CheckpointStore
}

// alertingStore mirrors every write into the alert bridge. Only the ingest
// pipeline sees it; reads and checkpoints use the bare store.
type alertingStore struct {
	inner  event.Store
	bridge *alert.Bridge
}

func (s *alertingStore) Store(e *event.Event) error {
	if err := s.inner.Store(e); err != nil {
		return err
	}
	s.bridge.Emit(e)
	return nil
}

func (s *alertingStore) StoreMany(events []*event.Event) error {
	if err := s.inner.StoreMany(events); err != nil {
		return err
	}
	for _, e := range events {
		s.bridge.Emit(e)
	}
	return nil
}

func (s *alertingStore) FindByID(orgID, id string) (*event.Event, error) {
	return s.inner.FindByID(orgID, id)
}

func (s *alertingStore) ListEvents(orgID string, f event.ListFilter) ([]*event.Event, int, error) {
	return s.inner.ListEvents(orgID, f)
}

func (s *alertingStore) ListAssets(orgID string) ([]event.AssetSummary, error) {
	return s.inner.ListAssets(orgID)
}

func (s *alertingStore) GetAssetEvents(orgID, assetID string, limit int) ([]*event.Event, error) {
	return s.inner.GetAssetEvents(orgID, assetID, limit)
}

func (s *alertingStore) Close() error { return s.inner.Close() }

func openStore(cfg config.StorageConfig) (fullStore, error) {
	switch cfg.Driver {
	case "", "sqlite":
		store, err := event.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		if err := store.Initialize(); err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		return store, nil
	case "memory":
		return event.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q: use sqlite or memory", cfg.Driver)
	}
}

func pruneAlerts(ctx context.Context, alerts *alert.Manager) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alerts.PruneDedup()
		}
	}
}

func printServeBanner(cfg *config.Config) {
	authMode := "open (X-AIGOS-Org header)"
	if len(cfg.Server.Auth) > 0 {
		authMode = fmt.Sprintf("bearer tokens (%d configured)", len(cfg.Server.Auth))
	}
	fmt.Println()
	fmt.Println("  ╔══════════════════════════════════════════╗")
	fmt.Println("  ║  AIGOS control plane " + pad(version, 20) + "║")
	fmt.Println("  ╚══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  → Events:    http://%s:%d/v1/events\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  → Commands:  http://%s:%d/v1/commands\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  → Metrics:   http://%s:%d/metrics\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  → Storage:   %s (%s)\n", storageDriver(cfg.Events.Storage), cfg.Events.Storage.Path)
	fmt.Printf("  → Auth:      %s\n", authMode)
	fmt.Printf("  → Ingest:    %d events per %s per org\n", cfg.Events.RateLimit.Limit, cfg.Events.RateLimit.Window)
	fmt.Println()
}

func storageDriver(cfg config.StorageConfig) string {
	if cfg.Driver == "" {
		return "sqlite"
	}
	return cfg.Driver
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

// ─── agent ───

type agentOptions struct {
	serverURL    string
	token        string
	assetID      string
	name         string
	assetVersion string
	org          string
	risk         string
	ticket       string
	approvedBy   string
	action       string
	interval     time.Duration
}

func runAgent(configFile string, opts agentOptions) error {
	if opts.ticket == "" || opts.approvedBy == "" {
		return exitf(exitUsage, "--ticket and --approved-by are required: every agent needs a Golden Thread approval")
	}

	loader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := loader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := loader.Get()
	logger := newLogger(cfg.Server)

	asset := identity.AssetRecord{
		AssetID:      opts.assetID,
		Name:         opts.name,
		Version:      opts.assetVersion,
		Organization: opts.org,
		RiskLevel:    identity.RiskLevel(opts.risk),
		GoldenThread: identity.GoldenThread{
			TicketID:   opts.ticket,
			ApprovedBy: opts.approvedBy,
			ApprovedAt: time.Now().UTC().Format(time.RFC3339),
		},
	}

	client := event.NewClient(opts.serverURL, opts.token, logger)
	defer client.Close()

	alerts := alert.NewManager(cfg.Alerts, logger)
	var sink event.Sink = client
	if alerts.HasSenders() {
		sink = event.MultiSink{client, alert.NewBridge(alerts)}
	}

	ksCfg := cfg.KillSwitch
	if ksCfg.Channels == (config.ChannelsConfig{}) {
		ksCfg.Channels = defaultChannels(opts.serverURL, opts.token)
	}
	keyring, err := killswitch.LoadKeyring(ksCfg.TrustedKeys)
	if err != nil {
		return fmt.Errorf("failed to load trusted keys: %w", err)
	}
	if ksCfg.VerifySignatures && keyring.Len() == 0 {
		logger.Warn("signature verification enabled with no trusted keys; all commands will be rejected")
	}

	sup, err := runtime.NewSupervisor(runtime.Options{
		Asset:      asset,
		Policy:     cfg.Policy,
		KillSwitch: ksCfg,
		Keyring:    keyring,
		Sink:       sink,
		Logger:     logger,
	})
	if err != nil {
		return exitf(exitValidation, "identity creation refused: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	id := sup.Identity()
	fmt.Println()
	fmt.Printf("  AIGOS agent runtime %s\n", version)
	fmt.Printf("  → Instance:      %s\n", id.InstanceID)
	fmt.Printf("  → Asset:         %s (%s %s)\n", id.AssetID, asset.Name, asset.Version)
	fmt.Printf("  → Risk level:    %s\n", id.RiskLevel)
	fmt.Printf("  → Golden Thread: %s approved by %s\n", id.GoldenThread.TicketID, id.GoldenThread.ApprovedBy)
	fmt.Printf("  → Control plane: %s\n", opts.serverURL)
	fmt.Println()

	// Demo loop: exercise the policy pipeline so decisions show up in the
	// control plane's event log.
	go func() {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d := sup.Check(opts.action, "", nil)
				logger.Info("demo action checked", "action", opts.action, "allowed", d.Allowed, "code", d.Code)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutting down...")
	case <-sup.Done():
		logger.Warn("terminated by kill-switch command")
	}
	cancel()
	sup.Stop()

	if dropped := client.Dropped(); dropped > 0 {
		logger.Warn("events dropped before delivery", "count", dropped)
	}
	return nil
}

func defaultChannels(serverURL, token string) config.ChannelsConfig {
	base := strings.TrimRight(serverURL, "/")
	query := ""
	if token != "" {
		query = "?token=" + token
	}
	return config.ChannelsConfig{
		StreamURL: base + "/v1/commands/stream" + query,
		PollURL:   base + "/v1/commands/pending" + query,
	}
}

// ─── keygen ───

type keygenOptions struct {
	kid    string
	dir    string
	prefix string
}

func runKeygen(opts keygenOptions) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("failed to encode public key: %w", err)
	}

	kid := opts.kid
	if kid == "" {
		sum := sha256.Sum256(pubDER)
		kid = hex.EncodeToString(sum[:8])
	}

	privPath := filepath.Join(opts.dir, fmt.Sprintf("%s-%s.key", opts.prefix, kid))
	pubPath := filepath.Join(opts.dir, fmt.Sprintf("%s-%s.pub", opts.prefix, kid))

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return writeError(privPath, err)
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return writeError(pubPath, err)
	}

	fmt.Printf("✓ Generated Ed25519 keypair\n")
	fmt.Printf("  KID:     %s\n", kid)
	fmt.Printf("  Private: %s (signer side, keep secret)\n", privPath)
	fmt.Printf("  Public:  %s\n", pubPath)
	fmt.Println()
	fmt.Println("Add to the receiver's config:")
	fmt.Println()
	fmt.Println("  killswitch:")
	fmt.Println("    trusted_keys:")
	fmt.Printf("      - kid: %q\n", kid)
	fmt.Println("        algorithm: EdDSA")
	fmt.Printf("        public_key_path: %q\n", pubPath)
	return nil
}

func writeError(path string, err error) error {
	if os.IsPermission(err) {
		return exitf(exitPermission, "cannot write %s: permission denied", path)
	}
	return fmt.Errorf("cannot write %s: %w", path, err)
}

// ─── verify ───

func runVerifyEvents(path string) error {
	events, err := readEventsFile(path)
	if err != nil {
		return err
	}

	failures := 0
	for i, e := range events {
		if err := event.Validate(e); err != nil {
			failures++
			fmt.Printf("✗ [%d] %s: %s\n", i, e.ID, err)
			continue
		}
		fmt.Printf("✓ [%d] %s %s\n", i, e.ID, e.Type)
	}

	if failures > 0 {
		return exitf(exitValidation, "%d of %d events failed verification", failures, len(events))
	}
	fmt.Printf("✓ All %d events intact\n", len(events))
	return nil
}

func runVerifyCheckpoint(checkpointPath, eventsPath string) error {
	data, err := readFile(checkpointPath)
	if err != nil {
		return err
	}
	var cp event.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return exitf(exitValidation, "%s: not a checkpoint: %s", checkpointPath, err)
	}

	events, err := readEventsFile(eventsPath)
	if err != nil {
		return err
	}

	leaves := make([]string, 0, len(events))
	for i, e := range events {
		if err := event.Validate(e); err != nil {
			return exitf(exitValidation, "event [%d] %s: %s", i, e.ID, err)
		}
		leaves = append(leaves, e.Hash)
	}

	if len(leaves) != cp.LeafCount {
		return exitf(exitValidation, "leaf count mismatch: checkpoint sealed %d, file has %d", cp.LeafCount, len(leaves))
	}
	root := event.MerkleRoot(leaves)
	if root != cp.Root {
		fmt.Printf("✗ Merkle root mismatch for checkpoint %s\n", cp.ID)
		fmt.Printf("  recorded:   %s\n", cp.Root)
		fmt.Printf("  recomputed: %s\n", root)
		return exitf(exitValidation, "checkpoint root does not match the event window")
	}

	fmt.Printf("✓ Checkpoint %s intact (%d leaves, root %s)\n", cp.ID, cp.LeafCount, root)
	return nil
}

func readEventsFile(path string) ([]*event.Event, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	var events []*event.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, exitf(exitValidation, "%s: not an event array: %s", path, err)
	}
	if len(events) == 0 {
		return nil, exitf(exitValidation, "%s: no events to verify", path)
	}
	return events, nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return data, nil
	case os.IsNotExist(err):
		return nil, exitf(exitNotFound, "%s: no such file", path)
	case os.IsPermission(err):
		return nil, exitf(exitPermission, "%s: permission denied", path)
	default:
		return nil, err
	}
}

// ─── status ───

func runStatus(serverURL, token string) error {
	url := strings.TrimRight(serverURL, "/") + "/v1/assets"
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to control plane: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return exitf(exitPermission, "control plane rejected the token")
	default:
		return fmt.Errorf("control plane returned %d", resp.StatusCode)
	}

	var body struct {
		Assets []event.AssetSummary `json:"assets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(body.Assets) == 0 {
		fmt.Println("No assets have reported events.")
		return nil
	}

	fmt.Printf("%-25s %8s  %-20s %s\n", "ASSET", "EVENTS", "LAST EVENT", "LATEST TYPE")
	fmt.Println(strings.Repeat("─", 80))
	for _, a := range body.Assets {
		fmt.Printf("%-25s %8d  %-20s %s\n",
			a.AssetID, a.EventCount, a.LastEventAt.Format("2006-01-02 15:04:05"), a.LatestType)
	}
	return nil
}

// ─── shared helpers ───

func findConfigFile() string {
	candidates := []string{
		"aigos.yaml",
		"aigos.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "aigos", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func newLogger(cfg config.ServerConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
