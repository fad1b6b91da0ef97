// Command robosync fetches and publishes robot description bundles
// against a remote artifact store, keeping verified local copies in an
// on-disk cache.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	robosync "github.com/wolfeidau/robosync"
	"github.com/wolfeidau/robosync/cache"
	"github.com/wolfeidau/robosync/credentials"
	"github.com/wolfeidau/robosync/syncer"
	"github.com/wolfeidau/robosync/telemetry"
	"github.com/wolfeidau/robosync/transport"
)

var version = "dev"

type globals struct {
	APIURL          string `help:"Artifact store API URL." env:"ROBOSYNC_API_URL" default:"https://api.robosync.dev"`
	CacheDir        string `help:"Artifact cache directory (default: user cache dir)." env:"ROBOSYNC_CACHE_DIR"`
	CredentialsFile string `help:"Credential file path (default: user config dir)." env:"ROBOSYNC_CREDENTIALS_FILE"`
	LogLevel        string `help:"Log level (debug, info, warn, error)." env:"ROBOSYNC_LOG_LEVEL" default:"info" enum:"debug,info,warn,error"`
	OTLPEndpoint    string `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

type cli struct {
	globals

	Login    loginCmd    `cmd:"" help:"Store an API key for the artifact store."`
	Logout   logoutCmd   `cmd:"" help:"Discard the stored credential."`
	Download downloadCmd `cmd:"" help:"Ensure a local copy of an artifact and print its path."`
	Upload   uploadCmd   `cmd:"" help:"Publish a directory as a new artifact version."`
	Purge    purgeCmd    `cmd:"" help:"Remove cached copies of an artifact."`
	List     listCmd     `cmd:"" help:"List locally cached artifacts."`
}

// app carries the wired components into command Run methods.
type app struct {
	ctx     context.Context
	logger  *slog.Logger
	manager *credentials.Manager
	syncer  *syncer.Syncer
	metrics *telemetry.Metrics
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("robosync"),
		kong.Description("Synchronize robot description artifacts with a remote store."),
		kong.Vars{"version": version},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := setup(ctx, &flags.globals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	runErr := kctx.Run(a)
	cleanup()
	if runErr != nil {
		a.logger.Error("command failed", "error", runErr)
		os.Exit(exitCode(runErr))
	}
}

func setup(ctx context.Context, g *globals) (*app, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", g.LogLevel, err)
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	credPath := g.CredentialsFile
	if credPath == "" {
		p, err := credentials.DefaultPath()
		if err != nil {
			return nil, nil, err
		}
		credPath = p
	}

	cacheDir := g.CacheDir
	if cacheDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return nil, nil, fmt.Errorf("resolving cache directory: %w", err)
		}
		cacheDir = filepath.Join(dir, "robosync")
	}

	metrics, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:    "robosync",
		ServiceVersion: version,
		OTLPEndpoint:   g.OTLPEndpoint,
	})
	if err != nil {
		return nil, nil, err
	}

	httpc := &http.Client{}
	manager := credentials.NewManager(credentials.NewStore(credPath),
		credentials.WithLogger(logger),
		credentials.WithRefreshFunc(func(ctx context.Context, refreshToken string) (*credentials.Credential, error) {
			return transport.RefreshCredential(ctx, httpc, g.APIURL, refreshToken)
		}),
	)

	client := transport.New(g.APIURL,
		transport.WithHTTPClient(httpc),
		transport.WithTokenSource(manager),
		transport.WithLogger(logger),
	)

	store, err := cache.New(cacheDir, cache.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}

	a := &app{
		ctx:     ctx,
		logger:  logger,
		manager: manager,
		metrics: metrics,
		syncer: syncer.New(client, store,
			syncer.WithLogger(logger),
			syncer.WithMetrics(metrics)),
	}

	cleanup := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(flushCtx); err != nil {
			logger.Warn("flushing metrics", "error", err)
		}
		if err := store.Close(); err != nil {
			logger.Warn("closing cache", "error", err)
		}
	}
	return a, cleanup, nil
}

type loginCmd struct {
	APIKey string `arg:"" optional:"" help:"API key; read from stdin when omitted."`
}

func (c *loginCmd) Run(a *app) error {
	key := strings.TrimSpace(c.APIKey)
	if key == "" {
		fmt.Fprint(os.Stderr, "API key: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			return fmt.Errorf("reading API key: %w", scanner.Err())
		}
		key = strings.TrimSpace(scanner.Text())
	}
	if key == "" {
		return fmt.Errorf("no API key provided")
	}

	if err := a.manager.Login(&credentials.Credential{AccessToken: key}); err != nil {
		return err
	}
	fmt.Println("credential stored")
	return nil
}

type logoutCmd struct{}

func (c *logoutCmd) Run(a *app) error {
	if err := a.manager.Logout(); err != nil {
		return err
	}
	fmt.Println("credential discarded")
	return nil
}

type downloadCmd struct {
	Ref string `arg:"" help:"Artifact reference (name or name@version)."`
}

func (c *downloadCmd) Run(a *app) error {
	ref, err := robosync.ParseRef(c.Ref)
	if err != nil {
		return err
	}
	path, err := a.syncer.Download(a.ctx, ref)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

type uploadCmd struct {
	Dir string `arg:"" type:"existingdir" help:"Directory to package and publish."`
	Ref string `arg:"" help:"Artifact name to publish under."`
}

func (c *uploadCmd) Run(a *app) error {
	ref, err := robosync.ParseRef(c.Ref)
	if err != nil {
		return err
	}
	if ref.Pinned() {
		return fmt.Errorf("the store assigns versions; upload to %q, not %q", ref.Name, c.Ref)
	}
	meta, err := a.syncer.Upload(a.ctx, c.Dir, ref)
	if err != nil {
		return err
	}
	fmt.Printf("published %s (fingerprint %s, %d bytes)\n", meta.Ref(), meta.Fingerprint.ShortString(), meta.Size)
	return nil
}

type purgeCmd struct {
	Ref string `arg:"" help:"Artifact reference to purge (name purges all versions)."`
}

func (c *purgeCmd) Run(a *app) error {
	ref, err := robosync.ParseRef(c.Ref)
	if err != nil {
		return err
	}
	if err := a.syncer.Purge(a.ctx, ref); err != nil {
		return err
	}
	fmt.Printf("purged %s\n", ref)
	return nil
}

type listCmd struct{}

func (c *listCmd) Run(a *app) error {
	entries, err := a.syncer.List(a.ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REF\tFINGERPRINT\tSIZE\tCACHED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			e.Ref(), e.Fingerprint.ShortString(), e.Size, e.CachedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// exitCode maps the error taxonomy to distinct process exit codes so
// scripts can tell a missing artifact from an expired login.
func exitCode(err error) int {
	switch {
	case errors.Is(err, robosync.ErrAuth), errors.Is(err, robosync.ErrAuthExpired):
		return 2
	case errors.Is(err, robosync.ErrNotFound):
		return 3
	case errors.Is(err, robosync.ErrConflict):
		return 4
	case errors.Is(err, robosync.ErrIntegrity):
		return 5
	case errors.Is(err, robosync.ErrTransient):
		return 6
	default:
		return 1
	}
}
