// jnap-presence tracks which devices are connected to a Linksys (JNAP)
// router and publishes one presence entity per device to Home Assistant
// through MQTT discovery.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	jnap-presence serve              Poll the router and publish presence
//	jnap-presence check              Verify router address and credentials
//	jnap-presence devices            Poll once and print the device table
//	jnap-presence init [dir]         Write an example config
//	jnap-presence version            Print version and build information
//	jnap-presence -o json devices    Output as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/jnap-presence/internal/api"
	"github.com/nugget/jnap-presence/internal/buildinfo"
	"github.com/nugget/jnap-presence/internal/config"
	"github.com/nugget/jnap-presence/internal/connwatch"
	"github.com/nugget/jnap-presence/internal/devicestore"
	"github.com/nugget/jnap-presence/internal/hub"
	"github.com/nugget/jnap-presence/internal/jnap"
	"github.com/nugget/jnap-presence/internal/metrics"
	"github.com/nugget/jnap-presence/internal/mqtt"
	"github.com/nugget/jnap-presence/internal/presence"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], which keeps
// os.Exit, os.Stdout, and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout for serve
// and to stderr for the one-shot commands, whose stdout is the result.
//
// Arguments are parsed by hand: the flag package relies on package-level
// globals, which makes it impossible to call run concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "check":
		return runCheck(ctx, stdout, stderr, configPath, outputFmt)
	case "devices":
		return runDevices(ctx, stdout, stderr, configPath, outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "jnap-presence - Linksys router presence for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: jnap-presence [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Poll the router and publish presence")
	fmt.Fprintln(w, "  check        Verify router address and credentials")
	fmt.Fprintln(w, "  devices      Poll once and print tracked devices")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe is the primary operating mode. It waits for the router,
// seeds the hub, then runs the poll loop, the MQTT publisher and the
// API server until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels ctx; the poll loop and publisher return
//  2. The API server drains in-flight requests
//  3. MQTT availability goes "offline" and the client disconnects
//  4. The registry is persisted one last time
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, "info", "text")
	logger.Info("starting jnap-presence",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Everything after this point uses the configured level and format.
	logger = config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"router", cfg.Router.Host,
		"poll_interval", cfg.Router.Interval(),
		"detection_time", cfg.Router.Detection(),
		"self_policy", cfg.Router.SelfPolicy,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Data directory ---
	// The entry ID and the device database live here.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	entryID, err := hub.LoadOrCreateEntryID(cfg.DataDir)
	if err != nil {
		return err
	}
	logger.Info("entry ID loaded", "entry_id", entryID)

	dbPath := filepath.Join(cfg.DataDir, "devices.db")
	store, err := devicestore.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open device store %s: %w", dbPath, err)
	}
	defer store.Close()

	m := metrics.New()
	client := newClient(cfg, logger)
	policy, _ := presence.ParseSelfPolicy(cfg.Router.SelfPolicy) // validated

	h := hub.New(hub.Config{
		Client:       client,
		Store:        store,
		Metrics:      m,
		PollInterval: cfg.Router.Interval(),
		EvictAfter:   cfg.Router.EvictAfter,
		SelfPolicy:   policy,
		Logger:       logger,
	})

	// --- Connection resilience ---
	// The router must answer before setup. After that the watcher keeps
	// probing so /health reflects outages and a recovery triggers an
	// immediate poll instead of waiting for the next tick.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	// Rejected credentials will not fix themselves; stop waiting on the
	// first one instead of backing off.
	waitCtx, stopWaiting := context.WithCancelCause(ctx)
	defer stopWaiting(nil)

	routerWatch := connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "router",
		Probe: func(pCtx context.Context) error {
			err := client.Ping(pCtx)
			if errors.Is(err, jnap.ErrAuthentication) {
				stopWaiting(err)
			}
			return err
		},
		OnReady: func() {
			if h.Status().SetUp {
				h.Trigger()
			}
		},
	})
	if err := routerWatch.WaitReady(waitCtx); err != nil {
		if errors.Is(context.Cause(waitCtx), jnap.ErrAuthentication) {
			logger.Error("router rejected credentials", "router", cfg.Router.Host)
			return fmt.Errorf("router %s rejected the configured credentials", cfg.Router.Host)
		}
		return fmt.Errorf("router %s unavailable: %w", cfg.Router.Host, err)
	}
	if err := h.Setup(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		h.Run(gctx)
		return nil
	})

	// --- MQTT publisher ---
	var pub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		pub = mqtt.New(cfg.MQTT, entryID, cfg.Router.Detection(), logger)
		// Restored records are announced on connect, before the first poll.
		pub.PresenceUpdated(ctx, hub.Update{Router: h.Router(), Records: h.Registry().List()})
		h.AddObserver(pub)

		g.Go(func() error {
			return pub.Start(gctx)
		})

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return pub.AwaitConnection(awaitCtx)
			},
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- API server ---
	if cfg.Listen.Port > 0 {
		server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, h, logger)
		server.SetConnWatch(connMgr)
		server.SetMetrics(m)
		server.SetPresence(entryID, cfg.Router.Detection())
		h.AddObserver(server)

		g.Go(func() error {
			if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()
	logger.Info("shutting down")

	// gctx is done; shutdown work gets its own deadline.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()

	if pub != nil {
		if err := pub.Stop(stopCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	if err := h.Unload(stopCtx); err != nil {
		logger.Error("hub unload failed", "error", err)
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("jnap-presence stopped")
	return nil
}

// checkResult is the "check" command's JSON output.
type checkResult struct {
	Endpoint string          `json:"endpoint"`
	Router   jnap.RouterInfo `json:"router"`
	WAN      jnap.WANStatus  `json:"wan"`
}

// runCheck validates the configured router address and credentials
// without touching the data directory.
func runCheck(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	client := newClient(cfg, logger)

	if err := client.CheckAdminPassword(ctx); err != nil {
		if errors.Is(err, jnap.ErrAuthentication) {
			return fmt.Errorf("router %s rejected the configured credentials", cfg.Router.Host)
		}
		return fmt.Errorf("cannot reach router %s: %w", cfg.Router.Host, err)
	}

	info, err := client.GetDeviceInfo(ctx)
	if err != nil {
		return fmt.Errorf("fetch router device info: %w", err)
	}
	wan, err := client.GetWANStatus(ctx)
	if err != nil {
		return fmt.Errorf("fetch router WAN status: %w", err)
	}

	if outputFmt == "json" {
		return writeJSON(stdout, checkResult{Endpoint: client.Endpoint(), Router: *info, WAN: *wan})
	}

	r := hub.Router{Info: *info, WAN: *wan, MAC: wan.MACAddress}
	fmt.Fprintf(stdout, "Credentials accepted by %s\n", client.Endpoint())
	fmt.Fprintf(stdout, "  %-10s %s\n", "router:", r.Name())
	fmt.Fprintf(stdout, "  %-10s %s\n", "firmware:", info.FirmwareVersion)
	fmt.Fprintf(stdout, "  %-10s %s\n", "serial:", info.SerialNumber)
	fmt.Fprintf(stdout, "  %-10s %s\n", "mac:", wan.MACAddress)
	fmt.Fprintf(stdout, "  %-10s %s\n", "wan:", wan.WANStatus)
	return nil
}

// devicesResult is the "devices" command's JSON output.
type devicesResult struct {
	Router  hub.Router              `json:"router"`
	Result  presence.MergeResult    `json:"result"`
	Devices []presence.DeviceRecord `json:"devices"`
}

// runDevices performs setup and one poll in memory, then prints the
// registry. Nothing is persisted.
func runDevices(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	policy, _ := presence.ParseSelfPolicy(cfg.Router.SelfPolicy)

	var result presence.MergeResult
	h := hub.New(hub.Config{
		Client:     newClient(cfg, logger),
		SelfPolicy: policy,
		Logger:     logger,
	})
	h.AddObserver(hub.ObserverFunc(func(_ context.Context, u hub.Update) {
		result = u.Result
	}))

	if err := h.Setup(ctx); err != nil {
		return err
	}
	if err := h.Poll(ctx); err != nil {
		return fmt.Errorf("poll router: %w", err)
	}
	records := h.Registry().List()

	if outputFmt == "json" {
		return writeJSON(stdout, devicesResult{Router: h.Router(), Result: result, Devices: records})
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKEY\tIP\tSTATE\tLAST SEEN")
	for _, rec := range records {
		state := "offline"
		if rec.IsOnline {
			state = "online"
		}
		seen := "-"
		if !rec.LastSeen.IsZero() {
			seen = humanize.Time(rec.LastSeen)
		}
		ip := rec.IPAddress
		if ip == "" {
			ip = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.DisplayName, rec.Key, ip, state, seen)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "\n%d devices, %d online (%s)\n", result.Devices, result.Online, h.Router().Name())
	return nil
}

// newClient builds the JNAP client from the router section.
func newClient(cfg *config.Config, logger *slog.Logger) *jnap.Client {
	return jnap.NewClient(jnap.Options{
		Host:     cfg.Router.Host,
		Username: cfg.Router.Username,
		Password: cfg.Router.Password,
		UseHTTPS: cfg.Router.UseHTTPS,
		Timeout:  cfg.Router.RequestTimeout(),
	}, logger)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
