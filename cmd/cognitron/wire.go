package main

import (
	"context"
	"fmt"
	"path/filepath"

	"cognitron/internal/codegraph"
	"cognitron/internal/config"
	"cognitron/internal/consolidator"
	"cognitron/internal/contextagent"
	"cognitron/internal/embedding"
	"cognitron/internal/filelocator"
	"cognitron/internal/fulltext"
	"cognitron/internal/judge"
	"cognitron/internal/llmclient"
	"cognitron/internal/logging"
	"cognitron/internal/memory"
	"cognitron/internal/orchestrator"
	"cognitron/internal/promptbuilder"
	"cognitron/internal/reflexor"
	"cognitron/internal/retrieval"
	"cognitron/internal/vectorstore"
)

// runtime is the fully wired system: the orchestrator owns the agents;
// everything else is kept only for lifecycle management.
type runtime struct {
	cfg    config.Config
	root   string
	orch   *orchestrator.Orchestrator
	cons   *consolidator.Consolidator
	vec    *vectorstore.Pair
	ft     *fulltext.Index
	ret    *retrieval.Agent
	rag    *codegraph.RAG
	engine embedding.EmbeddingEngine
}

func defaultConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(workspace, "cognitron.yaml")
}

// buildRuntime wires every component from configuration. Missing
// recoverable assets degrade; the tool_instructions markdown is the one
// fatal asset.
func buildRuntime() (*runtime, error) {
	cfg, err := config.Load(defaultConfigPath())
	if err != nil {
		return nil, err
	}
	root := workspace
	if cfg.Memory.Root != "" && cfg.Memory.Root != "." {
		root = cfg.Memory.Root
	}

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIModel:     cfg.Embedding.GenAIModel,
		TaskType:       cfg.Embedding.TaskType,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding engine: %w", err)
	}

	vectors, err := vectorstore.OpenPair(root, cfg.VectorStore.NarrativePath, cfg.VectorStore.LegislativePath, engine)
	if err != nil {
		return nil, fmt.Errorf("vector stores: %w", err)
	}

	ft, err := fulltext.Open(filepath.Join(root, cfg.FullText.IndexPath, "index.json"))
	if err != nil {
		return nil, fmt.Errorf("full-text index: %w", err)
	}

	locator := filelocator.New(cfg.FileLocator.EverythingExePath)
	mem := memory.New(root, vectors, ft, cfg.Memory.ExtensionsByKind, cfg.Memory.DossierExtraitsDir)

	ret := &retrieval.Agent{
		Root: root, Vectors: vectors, FullText: ft, Locator: locator,
		BoostIntention:  cfg.Retrieval.BoostIntention,
		ResultatsFinaux: cfg.Retrieval.ResultatsFinaux,
	}

	llm, err := llmclient.NewPair(cfg.LLM)
	if err != nil {
		return nil, err
	}

	jd := judge.New(cfg.Judge, llm.Small)
	jd.LoadEMA(filepath.Join(root, "reflexive", "coherence_ema.json"))

	ctxAgent := contextagent.New(cfg.Context, ret, jd,
		filepath.Join(root, "regles"),
		filepath.Join(root, "connaissances"),
		filepath.Join(root, "historique"),
		filepath.Join(root, "persistante"))

	builder, err := promptbuilder.New(promptbuilder.Assets{
		UserProfilePath:      filepath.Join(root, "agent", "user_profile.md"),
		SystemSummaryPath:    filepath.Join(root, "agent", "system_summary.md"),
		ToolInstructionsPath: filepath.Join(root, "agent", "tool_instructions.md"),
	})
	if err != nil {
		return nil, err
	}

	refl := reflexor.New(mem, vectors, llm.Small, root, cfg.Reflexor.TopKSimilarIncidents)
	cons := consolidator.New(root, mem, llm.Small, cfg.Consolidator)

	rag := loadRAG(root, cfg, engine)

	var scraper orchestrator.Scraper
	if cfg.Orchestrator.WebResearch.UseBrowser {
		scraper = orchestrator.NewRodScraper()
	} else {
		scraper = orchestrator.NewHTTPScraper()
	}
	research := orchestrator.NewResearcher(cfg.Orchestrator.WebResearch, llm.Small,
		orchestrator.NewHTTPSearchProvider(cfg.Orchestrator.WebResearch.SearchURL), scraper)

	orch := orchestrator.New(orchestrator.Deps{
		Config:    cfg.Orchestrator,
		Root:      root,
		LLM:       llm,
		Builder:   builder,
		Retrieval: ret,
		Context:   ctxAgent,
		Judge:     jd,
		Memory:    mem,
		Reflexor:  refl,
		RAG:       rag,
		Research:  research,
	})

	return &runtime{
		cfg: cfg, root: root, orch: orch, cons: cons,
		vec: vectors, ft: ft, ret: ret, rag: rag, engine: engine,
	}, nil
}

// loadRAG hydrates the code subsystem's read side from its artifacts. A
// missing graph file loads as an empty graph, so the RAG is built but
// yields no code context; an unreadable artifact disables code context.
func loadRAG(root string, cfg config.Config, engine embedding.EmbeddingEngine) *codegraph.RAG {
	graphPath := filepath.Join(root, "code", "code_architecture.json")
	arch, err := codegraph.LoadProjectGraph(graphPath)
	if err != nil {
		logging.BootDebug("no project graph at %s, code context disabled: %v", graphPath, err)
		return nil
	}
	journal, err := codegraph.LoadChunkJournal(filepath.Join(root, "code", "code_chunks.jsonl"))
	if err != nil {
		logging.BootWarn("chunk journal unreadable: %v", err)
		return nil
	}
	codeVec, err := vectorstore.Open(
		filepath.Join(root, "code", "code_chunks.ann"),
		filepath.Join(root, "code", "code_chunks_meta.json"), engine)
	if err != nil {
		logging.BootWarn("code vector store unreadable: %v", err)
		return nil
	}
	mangleEngine, err := codegraph.NewDependencyGraphEngine(filepath.Join(root, "code", "dependency_facts.json"))
	if err != nil {
		logging.BootWarn("dependency fact engine unavailable: %v", err)
		mangleEngine = nil
	} else if err := codegraph.SyncDependencyFacts(mangleEngine, arch); err != nil {
		logging.BootWarn("dependency fact sync failed: %v", err)
	}
	return codegraph.NewRAG(arch, journal, codeVec, mangleEngine, cfg.CodeGraph.ExternalDocsURL)
}

// rebuildCodeIndex runs the full code-analysis pipeline: scan, parse,
// graph, chunks, embeddings, skeleton.
func rebuildCodeIndex(ctx context.Context, root string, cfg config.Config, engine embedding.EmbeddingEngine) error {
	files, err := codegraph.ScanFiles(cfg.CodeGraph)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	parser := codegraph.NewPythonParser()
	defer parser.Close()

	arch := codegraph.BuildProjectGraph(parser, files)
	if err := codegraph.SaveProjectGraph(filepath.Join(root, "code", "code_architecture.json"), arch); err != nil {
		return fmt.Errorf("save graph: %w", err)
	}

	chunks := codegraph.BuildChunks(arch)
	if _, err := codegraph.WriteChunkJournal(filepath.Join(root, "code", "code_chunks.jsonl"), chunks); err != nil {
		return fmt.Errorf("chunk journal: %w", err)
	}

	codeVec, err := vectorstore.Open(
		filepath.Join(root, "code", "code_chunks.ann"),
		filepath.Join(root, "code", "code_chunks_meta.json"), engine)
	if err != nil {
		return fmt.Errorf("code vector store: %w", err)
	}
	if err := codegraph.IndexChunks(ctx, codeVec, chunks); err != nil {
		return fmt.Errorf("index chunks: %w", err)
	}

	skeleton := codegraph.Skeleton(arch)
	mem := memory.New(root, nil, nil, cfg.Memory.ExtensionsByKind, cfg.Memory.DossierExtraitsDir)
	if err := mem.SaveMemory("code", "scripts_skeleton.txt", skeleton); err != nil {
		return fmt.Errorf("skeleton: %w", err)
	}
	logging.CodeGraph("reindex complete: %d files, %d chunks", len(files), len(chunks))
	return nil
}
