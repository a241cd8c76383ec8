package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"cognitron/internal/codegraph"
	"cognitron/internal/logging"
	"cognitron/internal/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the interactive conversational loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run one deferred-consolidation sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		return rt.cons.RunOnce(cmd.Context())
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the code graph, the code chunk index and the full-text index",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		if err := rebuildCodeIndex(cmd.Context(), rt.root, rt.cfg, rt.engine); err != nil {
			return err
		}
		if errCh := rt.ret.UpdateIndexRebuild([]string{rt.root}); errCh != nil {
			if err := <-errCh; err != nil {
				return fmt.Errorf("full-text rebuild: %w", err)
			}
		}
		logger.Info("reindex complete")
		return nil
	},
}

var mcpServeCmd = &cobra.Command{
	Use:   "mcp-serve",
	Short: "Expose the agent's tool surface as an MCP server over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		return orchestrator.NewMCPServer(rt.orch).ServeStdio()
	},
}

// runServe is the interactive REPL: one user line per turn, tokens
// streamed to stdout as they arrive.
func runServe() error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt.orch.BackgroundBoot(ctx, rt.cons)
	rt.orch.StartStatsSync(ctx)

	cronRunner, err := rt.cons.StartScheduler(ctx)
	if err != nil {
		logging.BootWarn("consolidation scheduler not started: %v", err)
	} else {
		defer cronRunner.Stop()
	}

	watcher := startCodeWatcher(ctx, rt)
	if watcher != nil {
		defer watcher.Close()
	}

	fmt.Printf("cognitron session %s — type a prompt, 'exit' to quit.\n", rt.orch.SessionID())
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		mode := orchestrator.SearchModeNone
		if strings.HasPrefix(line, "recherche_web ") {
			mode = orchestrator.SearchModeWeb
			line = strings.TrimPrefix(line, "recherche_web ")
		}

		rt.orch.Think(ctx, orchestrator.TurnInput{Prompt: line, SearchMode: mode}, func(tok string) {
			fmt.Print(tok)
		})
		fmt.Println()
	}

	rt.orch.Wait()
	return nil
}

// startCodeWatcher hooks the file watcher to a full code reindex.
// Returns nil when watching is disabled or unavailable.
func startCodeWatcher(ctx context.Context, rt *runtime) *codegraph.Watcher {
	if !rt.cfg.CodeGraph.WatchEnabled {
		return nil
	}
	watcher, err := codegraph.NewWatcher(rt.cfg.CodeGraph)
	if err != nil {
		logging.BootWarn("code watcher unavailable: %v", err)
		return nil
	}
	go watcher.Run(ctx, func() {
		if err := rebuildCodeIndex(ctx, rt.root, rt.cfg, rt.engine); err != nil {
			logging.CodeGraphWarn("watch-triggered reindex failed: %v", err)
			return
		}
		// Hot-reload: the next turn sees the fresh graph and index.
		rt.rag = loadRAG(rt.root, rt.cfg, rt.engine)
		rt.orch.SetRAG(rt.rag)
	})
	return watcher
}
