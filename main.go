// loopd CLI entry point
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/batalabs/loopd/internal/commands"
	"github.com/batalabs/loopd/internal/compaction"
	"github.com/batalabs/loopd/internal/config"
	"github.com/batalabs/loopd/internal/engine"
	"github.com/batalabs/loopd/internal/mcp"
	"github.com/batalabs/loopd/internal/memory"
	"github.com/batalabs/loopd/internal/provider"
	"github.com/batalabs/loopd/internal/store"
	"github.com/batalabs/loopd/internal/tools"
	"github.com/batalabs/loopd/internal/voice"
)

const linePrefix = "assistant> "

var version = "dev"

func init() {
	if version != "dev" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
}

func main() {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	modelFlag := flag.String("model", "", "Override the configured model")
	resumeFlag := flag.String("c", "", "Resume a session by id or title")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("loopd %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *modelFlag != "" {
		cfg.Model = *modelFlag
	}
	if *resumeFlag != "" {
		cfg.ResumeSessionID = *resumeFlag
	}
	config.SetupLogging(cfg.LogLevel)

	apiKey, envVar := config.ResolveAPIKey(cfg.Provider)
	if apiKey == "" {
		log.Error("missing API key", "env", envVar)
		os.Exit(1)
	}

	prov, err := provider.New(cfg.Provider, apiKey)
	if err != nil {
		log.Error("provider setup failed", "err", err)
		os.Exit(1)
	}

	workingDir, err := cfg.ResolveWorkingDirectory()
	if err != nil {
		log.Error("resolve working directory failed", "err", err)
		os.Exit(1)
	}

	registry := tools.Builtin(workingDir)

	var mcpManager *mcp.Manager
	if len(cfg.McpServers) > 0 {
		mcpManager = mcp.NewManager()
		mcpManager.StartAll(context.Background(), cfg.McpServers)
		for _, t := range mcpManager.Tools() {
			registry.Register(t)
		}
	}

	var compactor compaction.Strategy = compaction.NoneStrategy{}
	if cfg.CompactionStrategy == "summarize" {
		compactor = compaction.NewSummarizeStrategy(
			prov, cfg.Model, cfg.CompactionThresholdTokens, cfg.ProtectedTailMessages)
	}

	eng := engine.New(prov, registry, compactor, engine.Config{
		Model:                   cfg.Model,
		MaxTokens:               cfg.MaxTokens,
		Temperature:             cfg.Temperature,
		SystemPrompt:            config.SystemPrompt(),
		MaxToolResultChars:      cfg.MaxToolResultChars,
		MaxConversationMessages: cfg.MaxConversationMessages,
		LinePrefix:              linePrefix,
		MutatingAllowlist:       tools.MutatingAllowlist(),
	})

	var (
		memStore    *store.Store
		sink        *memory.AsyncEventSink
		sessions    *memory.SessionManager
		checkpoints *memory.CheckpointManager
	)
	if cfg.MemoryEnabled {
		memStore, err = store.Open(cfg.ResolveDBPath())
		if err != nil {
			log.Error("open memory store failed", "err", err)
			os.Exit(1)
		}
		sink = memory.NewAsyncEventSink(memStore, 0, 0)
		sessions = memory.NewSessionManager(memStore, cfg.Model, sink)
		checkpoints, err = memory.NewCheckpointManager(
			memStore, sink, workingDir, cfg.EnableFileCheckpointing, cfg.CheckpointWriteToolsOnly)
		if err != nil {
			log.Error("checkpoint setup failed", "err", err)
			os.Exit(1)
		}
		eng.AttachMemory(sessions, checkpoints, sink)

		activeID, err := selectSession(cfg, sessions)
		if err != nil {
			log.Error("session selection failed", "err", err)
			os.Exit(1)
		}
		if err := eng.AttachSession(activeID); err != nil {
			log.Error("session attach failed", "err", err)
			os.Exit(1)
		}

		if err := memStore.Prune(cfg.MemoryMaxSessions, cfg.MemoryMaxMessagesPerSession, cfg.MemoryRetentionDays); err != nil {
			log.Warn("memory pruning failed", "err", err)
		}
	}

	voiceRuntime := voice.NewRuntime(linePrefix, registry, func(text string) {
		fmt.Printf("you(voice)> %s\n", text)
		if err := eng.Run(text); err != nil {
			log.Error("voice turn failed", "err", err)
		}
	}, nil)

	router := commands.NewRouter(&commands.Handlers{
		LinePrefix:  linePrefix,
		Engine:      eng,
		Sessions:    sessions,
		Checkpoints: checkpoints,
		VoiceRT:     voiceRuntime,
	})

	printBanner(cfg, registry, mcpManager, workingDir, eng)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "exit" || input == "quit" {
			break
		}
		if input == "" {
			continue
		}
		if router.TryHandle(input) {
			continue
		}
		fmt.Println()
		if err := eng.Run(input); err != nil {
			log.Error("unhandled error", "err", err)
		}
		fmt.Println()
	}

	voiceRuntime.Shutdown()
	if mcpManager != nil {
		mcpManager.StopAll()
	}
	if sink != nil {
		sink.Close()
	}
	if memStore != nil {
		memStore.Close()
	}
}

// selectSession resolves the active session per configuration: an explicit
// resume target, the configured continuation session, or a fresh session —
// optionally forked.
func selectSession(cfg config.Config, sessions *memory.SessionManager) (string, error) {
	var activeID string
	switch {
	case cfg.ResumeSessionID != "":
		resolved, err := sessions.ResolveSessionIdentifier(cfg.ResumeSessionID)
		if err != nil {
			return "", err
		}
		if resolved == nil {
			return "", fmt.Errorf("resume session not found: %s", cfg.ResumeSessionID)
		}
		activeID = resolved.ID
	case cfg.ContinueConversation && cfg.SessionID != "":
		id, err := sessions.LoadOrCreate(cfg.SessionID)
		if err != nil {
			return "", err
		}
		activeID = id
	default:
		id, err := sessions.CreateSession("", "", nil)
		if err != nil {
			return "", err
		}
		activeID = id
	}

	if cfg.ForkSession {
		forkID, err := sessions.ForkSession(activeID, "")
		if err != nil {
			return "", err
		}
		activeID = forkID
	}
	return activeID, nil
}

func printBanner(cfg config.Config, registry *tools.Registry, mcpManager *mcp.Manager, workingDir string, eng *engine.Engine) {
	fmt.Printf("loopd [%s:%s] (type 'exit' to quit, '/help' for commands)\n", cfg.Provider, cfg.Model)
	fmt.Println("Tools:")
	for _, name := range registry.Names() {
		fmt.Printf("  - %s\n", name)
	}
	if mcpManager != nil {
		fmt.Println("MCP servers:")
		for server, status := range mcpManager.ServerStatuses() {
			fmt.Printf("  - %s: %s\n", server, status)
		}
	}
	fmt.Printf("Working directory: %s\n", workingDir)
	if cfg.CompactionStrategy != "none" {
		fmt.Printf("Compaction: %s (threshold: %d tokens, tail: %d messages)\n",
			cfg.CompactionStrategy, cfg.CompactionThresholdTokens, cfg.ProtectedTailMessages)
	}
	if cfg.MemoryEnabled {
		fmt.Printf("Memory: enabled (session: %s)\n", eng.ActiveSessionID())
		fmt.Println("Memory controls: /session, /session list [limit], /session name <title>, " +
			"/session new [title], /session resume <id-or-name>, /session fork, " +
			"/checkpoint list [limit], /checkpoint rewind <checkpoint_id>")
	}
	fmt.Println()
}
