package main

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/recast/internal/cache"
	"github.com/hpungsan/recast/internal/client"
	"github.com/hpungsan/recast/internal/config"
	"github.com/hpungsan/recast/internal/errors"
	"github.com/hpungsan/recast/internal/logging"
	"github.com/hpungsan/recast/internal/progress"
	"github.com/hpungsan/recast/internal/rewrite"
	"github.com/hpungsan/recast/internal/scrape"
	"github.com/hpungsan/recast/internal/upstream"
	"github.com/hpungsan/recast/internal/web"
)

// env holds the wired components shared by the commands.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *cache.SQLStore
	svc    *rewrite.Service
	stderr io.Writer
}

// newEnv wires the cache, scraper, upstream client and rewrite service.
func newEnv(database *sql.DB, cfg *config.Config, logger *slog.Logger) *env {
	store := cache.NewSQLStore(database)
	scraper := scrape.New(scrape.Options{
		Timeout: time.Duration(cfg.ScrapeTimeoutSeconds) * time.Second,
		Logger:  logger,
	})
	gen := upstream.New(upstream.Options{
		BaseURL: cfg.UpstreamBaseURL,
		APIKey:  cfg.APIKey,
		Referer: "https://github.com/hpungsan/recast",
		Title:   "recast",
	})
	return &env{
		cfg:    cfg,
		logger: logger,
		store:  store,
		svc:    rewrite.NewService(store, scraper, gen, rewrite.OptionsFromConfig(cfg), logger),
		stderr: os.Stderr,
	}
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(e *env) *cli.App {
	app := &cli.App{
		Name:    "recast",
		Usage:   "Neutral rewrites of source articles, streamed",
		Version: Version,
		Commands: []*cli.Command{
			serveCmd(e),
			rewriteCmd(e),
			probeCmd(e),
			funFactsCmd(e),
			cachedCmd(e),
			listCmd(e),
			evictCmd(e),
			purgeCmd(e),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// serveCmd creates the serve command.
func serveCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the rewrite gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Usage: "Listen address (default from config)"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Listen port (default from config)"},
		},
		Action: func(c *cli.Context) error {
			bind := e.cfg.Bind
			if c.IsSet("bind") {
				bind = c.String("bind")
			}
			port := e.cfg.Port
			if c.IsSet("port") {
				port = c.Int("port")
			}
			if e.cfg.APIKey == "" {
				e.logger.Warn("no upstream API key set", "env", config.EnvOpenRoute)
			}

			srv := web.NewServer(e.deps(e.logger), bind, port)
			return web.Run(srv, e.logger)
		},
	}
}

// rewriteCmd creates the rewrite command.
func rewriteCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "rewrite",
		Usage:     "Rewrite an article, showing progress on stderr and the article on stdout",
		ArgsUsage: "<url>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Aliases: []string{"s"}, Usage: "Gateway base URL (default: run one in-process)"},
			&cli.BoolFlag{Name: "no-probe", Usage: "Skip the size probe; progress runs without an estimate"},
			&cli.BoolFlag{Name: "json", Usage: "Print the full result as JSON"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "Do not print progress"},
		},
		Action: func(c *cli.Context) error {
			url, err := urlArg(c)
			if err != nil {
				return outputError(err)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
			defer stop()

			base := c.String("server")
			if base == "" {
				gw, err := e.startGateway()
				if err != nil {
					return outputError(errors.NewInternal(err))
				}
				defer gw.Close()
				base = gw.url
			}

			cl := client.New(client.Options{
				BaseURL:   base,
				Logger:    e.logger,
				SkipProbe: c.Bool("no-probe"),
			})

			var onUpdate func(client.Snapshot)
			var p *progressPrinter
			if !c.Bool("quiet") {
				p = newProgressPrinter(e.stderr)
				onUpdate = p.Update
			}

			res, err := cl.Rewrite(ctx, url, onUpdate)
			if p != nil {
				p.Finish()
			}
			if err != nil {
				return outputError(err)
			}

			if c.Bool("json") {
				if err := outputJSON(res); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(os.Stdout, res.RewrittenArticle)
				n := res.Counts()
				fmt.Fprintf(e.stderr, "insights: %d biases, %d context, %d corrections, %d narratives (%d total)\n",
					n.Biases, n.Context, n.Corrections, n.Narratives, n.Total)
			}

			if res.Interrupted {
				return cli.Exit("stream ended before completion; output is partial", 1)
			}
			return nil
		},
	}
}

// probeCmd creates the probe command.
func probeCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "probe",
		Usage:     "Estimate the size of an article's rewrite",
		ArgsUsage: "<url>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Aliases: []string{"s"}, Usage: "Gateway base URL (default: in-process)"},
		},
		Action: func(c *cli.Context) error {
			url, err := urlArg(c)
			if err != nil {
				return outputError(err)
			}

			if base := c.String("server"); base != "" {
				out, err := client.New(client.Options{BaseURL: base, Logger: e.logger}).Probe(c.Context, url)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(out)
			}

			out, err := e.svc.Probe(c.Context, url)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(out)
		},
	}
}

// funFactsCmd creates the fun-facts command.
func funFactsCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "fun-facts",
		Usage:     "Generate fun facts about an article",
		ArgsUsage: "<url>",
		Action: func(c *cli.Context) error {
			url, err := urlArg(c)
			if err != nil {
				return outputError(err)
			}

			facts, err := e.svc.FunFacts(c.Context, url)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{"fun_facts": facts})
		},
	}
}

// cachedCmd creates the cached command.
func cachedCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "cached",
		Usage:     "Show the cached rewrite of an article",
		ArgsUsage: "<url>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "include-source", Usage: "Include the scraped source text"},
		},
		Action: func(c *cli.Context) error {
			raw, err := urlArg(c)
			if err != nil {
				return outputError(err)
			}

			url, err := e.svc.CanonicalURL(raw)
			if err != nil {
				return outputError(err)
			}
			rec, found, err := e.store.Lookup(c.Context, url)
			if err != nil {
				return outputError(err)
			}
			if !found {
				return outputError(errors.NewNotFound(url))
			}
			if !c.Bool("include-source") {
				rec.OriginalContent = ""
			}
			rec.Insights = rec.Insights.Normalized()

			return outputJSON(rec)
		},
	}
}

// listCmd creates the list command.
func listCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List cached rewrites, most recently updated first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 20, Usage: "Max items to return"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Items to skip"},
		},
		Action: func(c *cli.Context) error {
			items, page, err := e.store.List(c.Context, c.Int("limit"), c.Int("offset"))
			if err != nil {
				return outputError(err)
			}

			return outputJSON(map[string]any{
				"items":      items,
				"pagination": page,
			})
		},
	}
}

// evictCmd creates the evict command.
func evictCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "evict",
		Usage:     "Remove the cached rewrite of an article",
		ArgsUsage: "<url>",
		Action: func(c *cli.Context) error {
			raw, err := urlArg(c)
			if err != nil {
				return outputError(err)
			}

			url, err := e.svc.CanonicalURL(raw)
			if err != nil {
				return outputError(err)
			}
			if err := e.store.Delete(c.Context, url); err != nil {
				return outputError(err)
			}

			return outputJSON(map[string]any{"deleted": true, "url": url})
		},
	}
}

// purgeCmd creates the purge command.
func purgeCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Remove cached rewrites not updated recently",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "older-than-days", Aliases: []string{"d"}, Required: true, Usage: "Age threshold in days"},
		},
		Action: func(c *cli.Context) error {
			days := c.Int("older-than-days")
			if days < 0 {
				return outputError(errors.NewInvalidRequest("older-than-days must be non-negative"))
			}

			n, err := e.store.Purge(c.Context, time.Duration(days)*24*time.Hour)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(map[string]any{"purged": n, "older_than_days": days})
		},
	}
}

// deps assembles the gateway dependencies.
func (e *env) deps(logger *slog.Logger) web.Deps {
	return web.Deps{Service: e.svc, Store: e.store, Logger: logger, Version: Version}
}

// localGateway is a gateway serving on a loopback port for one command.
type localGateway struct {
	srv *http.Server
	url string
}

// startGateway serves the gateway on an ephemeral loopback port. Its request
// log is held to warnings so it does not interleave with the progress line.
func (e *env) startGateway() (*localGateway, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	level := max(e.cfg.SlogLevel(), slog.LevelWarn)
	srv := &http.Server{
		Handler:           web.NewHandler(e.deps(logging.New(e.stderr, level))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			e.logger.Error("in-process gateway stopped", "err", err)
		}
	}()

	return &localGateway{srv: srv, url: "http://" + ln.Addr().String()}, nil
}

// Close shuts the gateway down, waiting briefly for in-flight requests.
func (g *localGateway) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = g.srv.Shutdown(ctx)
}

// progressPrinter redraws a single progress line on a terminal stream.
type progressPrinter struct {
	w    io.Writer
	last string
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

// Update redraws the line when the visible text changes.
func (p *progressPrinter) Update(s client.Snapshot) {
	line := fmt.Sprintf("%-10s %3.0f%%", s.Phase, s.Percent)
	if s.ETASeconds != nil && s.Phase == progress.Rewriting {
		line += "  ETA " + progress.FormatETA(*s.ETASeconds)
	}
	if line == p.last {
		return
	}
	p.last = line
	fmt.Fprintf(p.w, "\r%-32s", line)
}

// Finish ends the progress line.
func (p *progressPrinter) Finish() {
	if p.last != "" {
		fmt.Fprintln(p.w)
	}
}

// Helper functions

// urlArg returns the first positional argument.
func urlArg(c *cli.Context) (string, error) {
	if c.NArg() < 1 {
		return "", errors.NewInvalidRequest("url argument is required")
	}
	return c.Args().First(), nil
}

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var rErr *errors.RecastError
	if stderrors.As(err, &rErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", rErr.Code, rErr.Message), 1)
	}
	var apiErr *client.APIError
	if stderrors.As(err, &apiErr) && apiErr.Code != "" {
		return cli.Exit(fmt.Sprintf("[%s] %s", apiErr.Code, apiErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}
