package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mhersche/chartassist/internal/applog"
	"github.com/mhersche/chartassist/internal/broker"
	"github.com/mhersche/chartassist/internal/config"
	"github.com/mhersche/chartassist/internal/llm"
	"github.com/mhersche/chartassist/internal/server"
	"github.com/mhersche/chartassist/internal/store"
	"github.com/mhersche/chartassist/internal/tabstate"
)

const defaultPort = 19292

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "settings":
			runSettings(os.Args[2:])
			return
		case "tabs":
			runTabs(os.Args[2:])
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	fs := flag.NewFlagSet("chartassist", flag.ExitOnError)
	port := fs.Int("port", resolvePort(), "WebSocket port the extension connects to")
	dbPath := fs.String("db", "", "Database path (default: ~/.local/share/chartassist/chartassist.db)")
	logDir := fs.String("log-dir", "", "Log directory (default: next to the database)")
	apiBase := fs.String("api-base", os.Getenv("CHARTASSIST_API_BASE"), "Model API base URL")
	streamFallback := fs.Bool("stream-fallback", false, "Retry a failed chat stream once without streaming")
	fs.Parse(os.Args[1:])

	if err := run(*port, *dbPath, *logDir, *apiBase, *streamFallback); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(port int, dbPath, logDir, apiBase string, streamFallback bool) error {
	path, err := resolveDBPath(dbPath)
	if err != nil {
		return err
	}
	if logDir == "" {
		logDir = filepath.Dir(path)
	}
	if err := applog.Init(logDir); err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer applog.Close()

	st, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	manager := tabstate.NewManager(st)
	rows, err := st.LoadTabStates()
	if err != nil {
		return fmt.Errorf("load tab states: %w", err)
	}
	manager.Load(rows)

	orch := broker.New(manager, st, llm.NewClient(apiBase))
	orch.StreamFallback = streamFallback

	srv := server.New(port)
	manager.Notify = func(tabID int) {
		if err := srv.Send(server.ContextUpdated(tabID)); err != nil {
			applog.Error("notify.send", err, "tab", tabID)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		applog.Info("daemon.shutdown")
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx)
	}()

	applog.Info("daemon.start", "port", port, "db", path)
	fmt.Fprintf(os.Stderr, "chartassist listening on 127.0.0.1:%d\n", port)

	for {
		select {
		case msg := <-srv.Messages():
			dispatch(ctx, orch, srv, msg)
		case err := <-errCh:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// dispatch handles one extension message. Failures are contained per
// message: they surface in tab state or the ack, never stop the loop.
func dispatch(ctx context.Context, orch *broker.Orchestrator, srv *server.Server, msg server.IncomingMsg) {
	switch msg.Type {
	case server.TypePageContext:
		payload, err := server.ParseContext(msg)
		if err != nil {
			applog.Error("dispatch.page_context", err, "tab", msg.TabID)
			return
		}
		// ApplyPageContext surfaces its own failures in tab state.
		_ = orch.ApplyPageContext(ctx, msg.TabID, payload)

	case server.TypePopupRequest:
		out, err := server.StateMsg(msg.TabID, orch.Snapshot(msg.TabID))
		if err != nil {
			applog.Error("dispatch.popup_request", err, "tab", msg.TabID)
			return
		}
		out.ID = msg.ID
		if err := srv.Send(out); err != nil {
			applog.Error("dispatch.popup_request.send", err, "tab", msg.TabID)
		}

	case server.TypeChatRequest:
		err := orch.Chat(ctx, msg.TabID, broker.ChatCommand{
			Message:          msg.Message,
			UseDefaultPrompt: msg.UseDefaultPrompt,
			PageURL:          msg.PageURL,
		})
		if err != nil {
			applog.Error("dispatch.chat_request", err, "tab", msg.TabID)
		}
		if err := srv.Send(server.Ack(msg, err)); err != nil {
			applog.Error("dispatch.chat_request.send", err, "tab", msg.TabID)
		}

	case server.TypeResetChat:
		err := orch.ResetChat(msg.TabID)
		if err != nil {
			applog.Error("dispatch.reset_chat", err, "tab", msg.TabID)
		}
		if err := srv.Send(server.Ack(msg, err)); err != nil {
			applog.Error("dispatch.reset_chat.send", err, "tab", msg.TabID)
		}

	case server.TypeTabRemoved:
		if err := orch.DeleteTab(msg.TabID); err != nil {
			applog.Error("dispatch.tab_removed", err, "tab", msg.TabID)
		}

	default:
		applog.Info("dispatch.unknown", "type", msg.Type)
	}
}

func resolvePort() int {
	if v := os.Getenv("CHARTASSIST_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			return p
		}
	}
	return defaultPort
}

func resolveDBPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv("CHARTASSIST_DB"); v != "" {
		return v, nil
	}
	return store.DefaultDBPath()
}

func openStore(dbPath string) (*store.Store, error) {
	path, err := resolveDBPath(dbPath)
	if err != nil {
		return nil, err
	}
	return store.Open(path)
}

func printHelp() {
	fmt.Print(`chartassist — EMR assistant daemon for the browser extension

Usage:
  chartassist                                 Run the daemon (default)
    --port <n>             WebSocket port the extension connects to (default: 19292)
    --db <path>            Database path (default: ~/.local/share/chartassist/chartassist.db)
    --log-dir <path>       Log directory (default: next to the database)
    --api-base <url>       Model API base URL (env: CHARTASSIST_API_BASE)
    --stream-fallback      Retry a failed chat stream once without streaming

  chartassist settings                        Show current settings (API key masked)
  chartassist settings set                    Update settings
    --api-key <key>        API key used for all sites
    --model <name>         Default model
    --prompt <text>        Default chat prompt
  chartassist settings site <hostname>        Per-site overrides
    --model <name>         Model for this hostname
    --prompt <text>        Prompt for this hostname
    --clear                Remove the override for this hostname

  chartassist tabs                            List persisted tab state
    --db <path>            Database path

Environment:
  CHARTASSIST_PORT       Default WebSocket port (overridden by --port)
  CHARTASSIST_DB         Default database path (overridden by --db)
  CHARTASSIST_API_BASE   Model API base URL (overridden by --api-base)
`)
}

func runSettings(args []string) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		runSettingsShow(args)
		return
	}
	switch args[0] {
	case "show":
		runSettingsShow(args[1:])
	case "set":
		runSettingsSet(args[1:])
	case "site":
		runSettingsSite(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown settings command %q. Use show, set, or site.\n", args[0])
		os.Exit(1)
	}
}

func runSettingsShow(args []string) {
	fs := flag.NewFlagSet("settings show", flag.ExitOnError)
	dbPath := fs.String("db", "", "Database path")
	fs.Parse(args)

	st, err := openStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	settings, err := st.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading settings: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("API key: %s\n", maskKey(settings.APIKey))
	fmt.Printf("Model:   %s\n", orDefault(settings.Model, config.DefaultModel+" (default)"))
	fmt.Printf("Prompt:  %s\n", orDefault(config.SummarizePromptLabel(settings.DefaultPrompt), "(default)"))

	if len(settings.Sites) == 0 {
		return
	}
	hosts := make([]string, 0, len(settings.Sites))
	for h := range settings.Sites {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	fmt.Println("\nSite overrides:")
	for _, h := range hosts {
		site := settings.Sites[h]
		fmt.Printf("  %-30s model=%s prompt=%s\n",
			h,
			orDefault(site.Model, "-"),
			orDefault(config.SummarizePromptLabel(site.Prompt), "-"),
		)
	}
}

func runSettingsSet(args []string) {
	fs := flag.NewFlagSet("settings set", flag.ExitOnError)
	dbPath := fs.String("db", "", "Database path")
	apiKey := fs.String("api-key", "", "API key used for all sites")
	model := fs.String("model", "", "Default model")
	prompt := fs.String("prompt", "", "Default chat prompt")
	fs.Parse(args)

	st, err := openStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	settings, err := st.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading settings: %v\n", err)
		os.Exit(1)
	}

	changed := false
	if *apiKey != "" {
		settings.APIKey = *apiKey
		changed = true
	}
	if *model != "" {
		settings.Model = *model
		changed = true
	}
	if *prompt != "" {
		settings.DefaultPrompt = *prompt
		changed = true
	}
	if !changed {
		fmt.Fprintln(os.Stderr, "Nothing to set. Use --api-key, --model, or --prompt.")
		os.Exit(1)
	}

	if err := st.SaveSettings(settings); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving settings: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Settings updated.")
}

func runSettingsSite(args []string) {
	fs := flag.NewFlagSet("settings site", flag.ExitOnError)
	dbPath := fs.String("db", "", "Database path")
	model := fs.String("model", "", "Model for this hostname")
	prompt := fs.String("prompt", "", "Prompt for this hostname")
	clear := fs.Bool("clear", false, "Remove the override for this hostname")
	fs.Parse(reorderArgs(args))

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: chartassist settings site <hostname> [--model name] [--prompt text] [--clear]")
		os.Exit(1)
	}
	host := fs.Arg(0)

	st, err := openStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	settings, err := st.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading settings: %v\n", err)
		os.Exit(1)
	}
	if settings.Sites == nil {
		settings.Sites = map[string]config.SiteOverride{}
	}

	if *clear {
		delete(settings.Sites, host)
	} else {
		if *model == "" && *prompt == "" {
			fmt.Fprintln(os.Stderr, "Nothing to set. Use --model, --prompt, or --clear.")
			os.Exit(1)
		}
		site := settings.Sites[host]
		if *model != "" {
			site.Model = *model
		}
		if *prompt != "" {
			site.Prompt = *prompt
		}
		settings.Sites[host] = site
	}

	if err := st.SaveSettings(settings); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving settings: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Override for %s updated.\n", host)
}

func runTabs(args []string) {
	fs := flag.NewFlagSet("tabs", flag.ExitOnError)
	dbPath := fs.String("db", "", "Database path")
	fs.Parse(args)

	st, err := openStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	rows, err := st.LoadTabStates()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading tab states: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("No tab state persisted.")
		return
	}

	ids := make([]int, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	fmt.Printf("%-6s %-14s %-24s %5s  %s\n", "TAB", "STATUS", "PATIENT", "MSGS", "UPDATED")
	for _, id := range ids {
		var state tabstate.TabState
		if err := json.Unmarshal(rows[id], &state); err != nil {
			fmt.Printf("%-6d (corrupt row: %v)\n", id, err)
			continue
		}
		state.Normalize()

		msgs := 0
		for _, sess := range state.ChatSessions {
			msgs += len(sess.Messages)
		}
		updated := "-"
		if state.UpdatedAt != 0 {
			updated = time.UnixMilli(state.UpdatedAt).Format("2006-01-02 15:04")
		}
		patient := state.PatientLabel
		if patient == "" {
			patient = "-"
		}
		fmt.Printf("%-6d %-14s %-24s %5d  %s\n", id, state.Status, truncate(patient, 24), msgs, updated)
	}
}

func maskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// reorderArgs moves flag arguments before positional arguments so that
// flag.Parse handles them correctly (it stops at the first non-flag arg).
func reorderArgs(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "-") {
			flags = append(flags, args[i])
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				flags = append(flags, args[i+1])
				i++
			}
		} else {
			positional = append(positional, args[i])
		}
	}
	return append(flags, positional...)
}
