// Command cachegenctl is a terminal foreground for a running cachegen: it
// reports versions, checks for updates and hands control over to a waiting
// generation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cachegen/internal/lifecycle"
	"cachegen/internal/logging"
	"cachegen/internal/manifest"
	"cachegen/internal/origin"
	"cachegen/internal/update"
)

const usage = `usage: cachegenctl [flags] <command>

commands:
  status    print the generations known to the background
  version   print the active version
  check     compare the active version with the deployed one
  apply     activate the waiting generation and reload
  claim     take control of every registered session
  watch     register a session and print state changes until interrupted
`

func main() {
	var (
		addr        string
		prefix      string
		versionPath string
		pollEvery   time.Duration
		timeout     time.Duration
		verbose     bool
	)
	flag.StringVar(&addr, "addr", getenvDefault("CACHEGEN_ADDR", "http://localhost:8080"), "cachegen base URL")
	flag.StringVar(&prefix, "prefix", "/_cachegen", "control API prefix")
	flag.StringVar(&versionPath, "version-path", "/_app/version.json", "version descriptor path")
	flag.DurationVar(&pollEvery, "poll", 15*time.Minute, "update check period for watch")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "deadline for one-shot commands")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(level, true)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	addr = strings.TrimRight(addr, "/")
	remote := update.NewRemote(addr+"/"+strings.Trim(prefix, "/"), logger)
	app := &cli{
		remote: remote,
		// the descriptor is fetched through cachegen, which never caches it
		versions: manifest.NewHTTPProvider(origin.New(addr, nil), manifest.HTTPOptions{
			VersionPath: versionPath,
			Logger:      logger,
		}),
		pollEvery: pollEvery,
		log:       logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cmd := flag.Arg(0); cmd != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := app.run(ctx, flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "cachegenctl: %v\n", err)
		os.Exit(1)
	}
}

type cli struct {
	remote    *update.Remote
	versions  manifest.VersionSource
	pollEvery time.Duration
	log       *zap.Logger
}

func (c *cli) run(ctx context.Context, cmd string) error {
	switch cmd {
	case "status":
		st, err := c.remote.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	case "version":
		rep, err := c.remote.Post(ctx, lifecycle.Message{Type: lifecycle.MsgGetVersion})
		if err != nil {
			return err
		}
		fmt.Println(rep.Version)
		return nil
	case "claim":
		n, err := c.remote.Claim(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("claimed %d session(s)\n", n)
		return nil
	case "check":
		coord, err := c.coordinator(ctx, time.Hour)
		if err != nil {
			return err
		}
		defer coord.Close()
		if err := coord.CheckForUpdates(ctx); err != nil {
			return err
		}
		return printJSON(coord.State())
	case "apply":
		if _, err := c.remote.Register(ctx); err != nil {
			return err
		}
		defer c.unregister()
		coord, err := c.coordinator(ctx, time.Hour)
		if err != nil {
			return err
		}
		defer coord.Close()
		if err := coord.CheckForUpdates(ctx); err != nil {
			return err
		}
		if err := coord.ApplyUpdate(ctx); err != nil {
			return err
		}
		return printJSON(coord.State())
	case "watch":
		return c.watch(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c *cli) watch(ctx context.Context) error {
	if _, err := c.remote.Register(ctx); err != nil {
		return err
	}
	defer c.unregister()
	coord, err := c.coordinator(ctx, 5*time.Second)
	if err != nil {
		return err
	}
	defer coord.Close()
	cancel := coord.Subscribe(func(s update.State) {
		_ = printJSON(s)
	})
	defer cancel()
	_ = printJSON(coord.State())
	<-ctx.Done()
	return nil
}

func (c *cli) coordinator(ctx context.Context, pollDelay time.Duration) (*update.Coordinator, error) {
	coord := update.New(update.Options{
		Platform:   &terminal{remote: c.remote, every: 30 * time.Second, log: c.log},
		Background: c.remote,
		Versions:   c.versions,
		PollDelay:  pollDelay,
		PollEvery:  c.pollEvery,
		Logger:     c.log,
	})
	if err := coord.Initialize(ctx); err != nil {
		coord.Close()
		return nil, err
	}
	return coord, nil
}

func (c *cli) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.remote.Unregister(ctx); err != nil {
		c.log.Debug("unregister", zap.Error(err))
	}
}

// terminal is the Platform of a command line session. It is online while the
// control API answers and can never be installed.
type terminal struct {
	remote *update.Remote
	every  time.Duration
	log    *zap.Logger
}

func (t *terminal) Online() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := t.remote.Status(ctx)
	return err == nil
}

func (t *terminal) Standalone() bool { return false }

func (t *terminal) Watch(h update.Handlers) func() {
	if h.Online == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		tick := time.NewTicker(t.every)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				h.Online(t.Online())
			}
		}
	}()
	return func() { close(done) }
}

// Reload has nothing to refresh in a terminal; the next command already sees
// the new generation.
func (t *terminal) Reload(context.Context) error {
	t.log.Info("reload requested")
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
