package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/rarestg/codex-conversation-manager/internal/config"
	ccmhttp "github.com/rarestg/codex-conversation-manager/internal/http"
	"github.com/rarestg/codex-conversation-manager/internal/indexer"
	. "github.com/rarestg/codex-conversation-manager/internal/logging"
	"github.com/rarestg/codex-conversation-manager/internal/search"
	"github.com/rarestg/codex-conversation-manager/internal/service"
	"github.com/rarestg/codex-conversation-manager/internal/store"
)

// version can be set at build time via ldflags: -X main.version=...
var version = "dev"

// CLI defines the command-line interface
type CLI struct {
	Debug bool `help:"Enable debug logging" short:"d"`
	Trace bool `help:"Enable trace logging" short:"t"`

	Serve      ServeCmd      `cmd:"" help:"Run the indexer and HTTP server"`
	Index      IndexCmd      `cmd:"" help:"Run one index pass"`
	Search     SearchCmd     `cmd:"" help:"Search indexed sessions"`
	Resolve    ResolveCmd    `cmd:"" help:"Resolve a session reference to its id"`
	Matches    MatchesCmd    `cmd:"" help:"List matching turns within one session"`
	Tree       TreeCmd       `cmd:"" help:"Print the session browse tree"`
	Workspaces WorkspacesCmd `cmd:"" help:"List workspaces"`
	Version    VersionCmd    `cmd:"" help:"Show version"`
}

// Context carries the loaded configuration into subcommands.
type Context struct {
	cfg *config.LoadResult
}

// openCore opens the store and builds the component graph.
func (c *Context) openCore() (*store.Store, *service.Service, *indexer.Indexer, error) {
	st, err := store.Open(c.cfg.DatabasePath())
	if err != nil {
		return nil, nil, nil, err
	}
	idx := indexer.New(st, c.cfg.Config.SessionsRoot)
	svc := service.New(st, idx, search.New(st))
	return st, svc, idx, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// ServeCmd runs the background indexer and the HTTP server.
type ServeCmd struct {
	Listen string `help:"Listen address (overrides config)"`
	Watch  bool   `help:"Watch the sessions root for changes" short:"w"`
}

func (s *ServeCmd) Run(ctx *Context) error {
	st, svc, idx, err := ctx.openCore()
	if err != nil {
		return err
	}
	defer st.Close()

	cfg := ctx.cfg.Config
	idx.Start(time.Duration(cfg.IndexIntervalSeconds) * time.Second)
	defer idx.Stop()

	if s.Watch || cfg.Watch {
		stopWatch, err := idx.Watch()
		if err != nil {
			L_warn("serve: watcher unavailable", "error", err)
		} else {
			defer stopWatch()
		}
	}

	listen := s.Listen
	if listen == "" {
		listen = cfg.Listen
	}
	server := ccmhttp.NewServer(&ccmhttp.ServerConfig{Listen: listen}, svc)

	errChan := make(chan error, 1)
	go func() { errChan <- server.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		L_info("serve: signal received", "signal", sig.String())
		return server.Stop()
	case err := <-errChan:
		return err
	}
}

// IndexCmd runs one index pass in the foreground.
type IndexCmd struct {
	Reset bool `help:"Drop the index and rebuild from scratch"`
}

func (i *IndexCmd) Run(ctx *Context) error {
	st, svc, _, err := ctx.openCore()
	if err != nil {
		return err
	}
	defer st.Close()

	summary, err := runIndex(svc, i.Reset)
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func runIndex(svc *service.Service, reset bool) (*indexer.Summary, error) {
	if reset {
		return svc.ResetAndReindex()
	}
	return svc.Reindex()
}

// SearchCmd searches the index from the command line.
type SearchCmd struct {
	Query      string `arg:"" help:"Search query"`
	Workspace  string `help:"Restrict to one workspace (cwd)"`
	Limit      int    `help:"Maximum sessions returned" default:"20"`
	ResultSort string `help:"Result sort: relevance, matches or recent" default:"relevance"`
	GroupSort  string `help:"Group sort: last_seen or matches" default:"last_seen"`
}

func (s *SearchCmd) Run(ctx *Context) error {
	st, svc, _, err := ctx.openCore()
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := svc.Search(search.Options{
		Query:      s.Query,
		Workspace:  s.Workspace,
		Limit:      s.Limit,
		ResultSort: s.ResultSort,
		GroupSort:  s.GroupSort,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

// ResolveCmd resolves a free-form session reference.
type ResolveCmd struct {
	ID        string `arg:"" help:"Session id, path or path fragment"`
	Workspace string `help:"Restrict to one workspace (cwd)"`
}

func (r *ResolveCmd) Run(ctx *Context) error {
	st, svc, _, err := ctx.openCore()
	if err != nil {
		return err
	}
	defer st.Close()

	resolved, err := svc.ResolveSession(r.ID, r.Workspace)
	if err != nil {
		return err
	}
	if resolved == nil {
		fmt.Println("null")
		return nil
	}
	return printJSON(resolved)
}

// MatchesCmd lists the matching turns within one session.
type MatchesCmd struct {
	Session string `arg:"" help:"Session path"`
	Query   string `arg:"" help:"Search query"`
}

func (m *MatchesCmd) Run(ctx *Context) error {
	st, svc, _, err := ctx.openCore()
	if err != nil {
		return err
	}
	defer st.Close()

	matches, err := svc.SessionMatches(m.Session, m.Query, "")
	if err != nil {
		return err
	}
	return printJSON(matches)
}

// TreeCmd prints the session browse tree.
type TreeCmd struct {
	Workspace string `help:"Restrict to one workspace (cwd)"`
}

func (t *TreeCmd) Run(ctx *Context) error {
	st, svc, _, err := ctx.openCore()
	if err != nil {
		return err
	}
	defer st.Close()

	years, err := svc.SessionTree(t.Workspace)
	if err != nil {
		return err
	}
	return printJSON(years)
}

// WorkspacesCmd lists workspace summaries.
type WorkspacesCmd struct {
	Sort string `help:"Sort: last_seen or session_count" default:"last_seen"`
}

func (w *WorkspacesCmd) Run(ctx *Context) error {
	st, svc, _, err := ctx.openCore()
	if err != nil {
		return err
	}
	defer st.Close()

	workspaces, err := svc.Workspaces(w.Sort)
	if err != nil {
		return err
	}
	return printJSON(workspaces)
}

// VersionCmd shows the build version.
type VersionCmd struct{}

func (v *VersionCmd) Run(ctx *Context) error {
	fmt.Println("ccm", version)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("ccm"),
		kong.Description("Indexer and search service for Codex conversation logs"),
		kong.UsageOnError(),
	)

	logLevel := LevelInfo
	if cli.Debug {
		logLevel = LevelDebug
	}
	if cli.Trace {
		logLevel = LevelTrace
	}
	Init(&Config{Level: logLevel, TimeFormat: "15:04:05", ShowCaller: cli.Debug || cli.Trace})

	loaded, err := config.Load()
	if err != nil {
		L_fatal("config load failed", "error", err)
	}

	if err := ctx.Run(&Context{cfg: loaded}); err != nil {
		L_fatal("command failed", "error", err)
	}
}
