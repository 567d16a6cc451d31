// Package main is the entry point for the llmtap interceptor proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/llmtap/llmtap/internal/config"
	"github.com/llmtap/llmtap/internal/export"
	"github.com/llmtap/llmtap/internal/model"
	"github.com/llmtap/llmtap/internal/server"
	"github.com/llmtap/llmtap/internal/store"
)

// errInterrupted marks a run ended by SIGINT/SIGTERM so main can exit 130.
var errInterrupted = errors.New("interrupted")

var cli struct {
	Config string `help:"Path to a YAML config file." type:"path"`

	Start    startCmd    `cmd:"" help:"Start the interceptor proxy."`
	Replay   replayCmd   `cmd:"" help:"Print recent interactions from the database."`
	Export   exportCmd   `cmd:"" help:"Export interactions as JSON or JSONL."`
	Stats    statsCmd    `cmd:"" help:"Show aggregate statistics."`
	Sessions sessionsCmd `cmd:"" help:"List captured sessions."`
	Save     saveCmd     `cmd:"" help:"Export one session's interactions to a file."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("llmtap"),
		kong.Description("Transparent proxy that records LLM API traffic."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		if errors.Is(err, errInterrupted) {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "llmtap: %v\n", err)
		os.Exit(2)
	}
}

// loadConfig layers the optional --db override on top of file and env
// configuration.
func loadConfig(dbOverride string) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if dbOverride != "" {
		cfg.DBPath = dbOverride
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(cfg.DBPath, store.Options{StoreChunks: cfg.StoreChunks})
}

type startCmd struct {
	Host          string `help:"Host to bind to."`
	Port          int    `help:"Port to bind to."`
	DB            string `name:"db" help:"Path to the SQLite database."`
	OpenAIURL     string `name:"openai-url" help:"OpenAI upstream base URL."`
	AnthropicURL  string `name:"anthropic-url" help:"Anthropic upstream base URL."`
	OllamaURL     string `name:"ollama-url" help:"Ollama upstream base URL."`
	Verbose       bool   `short:"v" help:"Verbose output."`
	Quiet         bool   `short:"q" help:"Suppress terminal output."`
	NoRedact      bool   `help:"Disable API key redaction."`
	NoStoreChunks bool   `help:"Do not store stream chunks."`
}

func (c *startCmd) Run() error {
	cfg, err := loadConfig(c.DB)
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}
	if c.OpenAIURL != "" {
		cfg.OpenAIURL = c.OpenAIURL
	}
	if c.AnthropicURL != "" {
		cfg.AnthropicURL = c.AnthropicURL
	}
	if c.OllamaURL != "" {
		cfg.OllamaURL = c.OllamaURL
	}
	if c.Verbose {
		cfg.Verbose = true
	}
	if c.Quiet {
		cfg.Quiet = true
	}
	if c.NoRedact {
		cfg.Redact = false
	}
	if c.NoStoreChunks {
		cfg.StoreChunks = false
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if !cfg.Quiet {
		fmt.Printf("llmtap starting on http://%s\n", cfg.ListenAddr())
		fmt.Printf("  database:           %s\n", cfg.DBPath)
		fmt.Printf("  openai upstream:    %s\n", cfg.OpenAIURL)
		fmt.Printf("  anthropic upstream: %s\n", cfg.AnthropicURL)
		fmt.Printf("  ollama upstream:    %s\n", cfg.OllamaURL)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	srv := server.New(cfg, st, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errInterrupted
	}
	return nil
}

type replayCmd struct {
	DB       string `name:"db" help:"Path to the SQLite database."`
	Last     int    `default:"10" help:"Number of recent interactions."`
	Provider string `help:"Filter by provider."`
	Model    string `help:"Filter by model."`
	Verbose  bool   `short:"v" help:"Show full reconstructed text."`
}

func (c *replayCmd) Run() error {
	cfg, err := loadConfig(c.DB)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.ListInteractions(context.Background(),
		store.Filter{Provider: c.Provider, Model: c.Model}, c.Last, 0)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No interactions found.")
		return nil
	}

	// Oldest first, the order the traffic happened.
	for k := len(list) - 1; k >= 0; k-- {
		printInteraction(list[k], c.Verbose)
	}
	return nil
}

func printInteraction(i *model.Interaction, verbose bool) {
	line := fmt.Sprintf("[%s] %s %s %s -> %d (%.0fms)",
		i.StartedAt.Format("2006-01-02 15:04:05"),
		i.Provider, i.Method, i.Path, i.StatusCode, i.TotalLatencyMs)
	if i.Model != "" {
		line += " model=" + i.Model
	}
	if i.SessionID != "" {
		line += " session=" + i.SessionID
	}
	fmt.Println(line)

	if i.Error != "" {
		fmt.Printf("  error: %s\n", i.Error)
	}
	if text := i.ReconstructedText; text != "" {
		if !verbose && len(text) > 200 {
			text = text[:200] + "..."
		}
		fmt.Printf("  %s\n", strings.ReplaceAll(text, "\n", "\n  "))
	}
	if verbose && i.Usage != nil {
		fmt.Printf("  tokens: prompt=%d completion=%d total=%d heuristic=%v\n",
			i.Usage.PromptTokens, i.Usage.CompletionTokens, i.Usage.Total(), i.Usage.Heuristic)
	}
}

type exportCmd struct {
	DB       string `name:"db" help:"Path to the SQLite database."`
	Last     int    `default:"50" help:"Number of interactions to export (0 for all)."`
	Provider string `help:"Filter by provider."`
	Model    string `help:"Filter by model."`
	Session  string `name:"session" help:"Filter by session id."`
	Output   string `short:"o" help:"Output file (default: stdout)." type:"path"`
	Format   string `default:"json" enum:"json,jsonl" help:"Output format."`
	Verbose  bool   `short:"v" help:"Include chunks in JSONL output."`
}

func (c *exportCmd) Run() error {
	cfg, err := loadConfig(c.DB)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	filter := store.Filter{Provider: c.Provider, Model: c.Model, SessionID: c.Session}
	interactions, err := export.Collect(context.Background(), st, filter, c.Last)
	if err != nil {
		return err
	}

	out := os.Stdout
	if c.Output != "" {
		f, err := os.Create(c.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	if c.Format == "jsonl" {
		err = export.WriteJSONL(out, interactions, c.Verbose)
	} else {
		err = export.WriteJSON(out, interactions)
	}
	if err != nil {
		return err
	}
	if c.Output != "" {
		fmt.Printf("Exported %d interactions to %s\n", len(interactions), c.Output)
	}
	return nil
}

type statsCmd struct {
	DB string `name:"db" help:"Path to the SQLite database."`
}

func (c *statsCmd) Run() error {
	cfg, err := loadConfig(c.DB)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Interactions: %d\n", stats.TotalInteractions)
	fmt.Printf("Total tokens: %d\n", stats.TotalTokens)
	fmt.Printf("Error rate:   %.1f%%\n", stats.ErrorRate*100)
	fmt.Printf("Avg latency:  %.0fms\n", stats.AvgLatencyMs)
	if len(stats.ByProvider) > 0 {
		fmt.Println("By provider:")
		for name, n := range stats.ByProvider {
			fmt.Printf("  %-12s %d\n", name, n)
		}
	}
	if len(stats.ByModel) > 0 {
		fmt.Println("By model:")
		for name, n := range stats.ByModel {
			fmt.Printf("  %-32s %d\n", name, n)
		}
	}
	return nil
}

type sessionsCmd struct {
	DB string `name:"db" help:"Path to the SQLite database."`
}

func (c *sessionsCmd) Run() error {
	cfg, err := loadConfig(c.DB)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListSessions(context.Background())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	fmt.Printf("%-32s  %5s  %-40s  %s\n", "SESSION ID", "COUNT", "MODELS", "STARTED")
	fmt.Println(strings.Repeat("-", 100))
	for _, s := range sessions {
		fmt.Printf("%-32s  %5d  %-40s  %s\n",
			s.SessionID, s.InteractionCount,
			strings.Join(s.Models, ", "),
			s.FirstSeen.Format("2006-01-02 15:04:05"))
	}
	return nil
}

type saveCmd struct {
	SessionID string `arg:"" help:"Session to export."`
	DB        string `name:"db" help:"Path to the SQLite database."`
	Output    string `short:"o" help:"Output file (default: <session_id>.json)." type:"path"`
	Format    string `default:"json" enum:"json,jsonl" help:"Output format."`
}

func (c *saveCmd) Run() error {
	cfg, err := loadConfig(c.DB)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	interactions, err := export.Collect(context.Background(), st,
		store.Filter{SessionID: c.SessionID}, 0)
	if err != nil {
		return err
	}
	if len(interactions) == 0 {
		fmt.Printf("No interactions found for session %q\n", c.SessionID)
		return nil
	}

	path := c.Output
	if path == "" {
		path = c.SessionID + ".json"
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if c.Format == "jsonl" {
		err = export.WriteJSONL(f, interactions, true)
	} else {
		err = export.WriteJSON(f, interactions)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Exported %d interactions from session %q to %s\n",
		len(interactions), c.SessionID, path)
	return nil
}
