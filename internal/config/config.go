// Package config loads the per-component YAML configuration documents
// for the runtime: one document per component, each rooted under a
// `configuration:` key, merged onto compiled-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document: one section per component,
// all optional.
type Config struct {
	LLM          LLMConfig          `yaml:"llm"`
	VectorStore  VectorStoreConfig  `yaml:"vector_store"`
	FullText     FullTextConfig     `yaml:"full_text"`
	FileLocator  FileLocatorConfig  `yaml:"file_locator"`
	Memory       MemoryConfig       `yaml:"memory"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Judge        JudgeConfig        `yaml:"judge"`
	Context      ContextConfig      `yaml:"context"`
	CodeGraph    CodeGraphConfig    `yaml:"code_graph"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Reflexor     ReflexorConfig     `yaml:"reflexor"`
	Consolidator ConsolidatorConfig `yaml:"consolidator"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// document wraps a Config under the `configuration:` root key every
// component YAML file uses.
type document struct {
	Configuration Config `yaml:"configuration"`
}

// ModelProfile is one named inference-server endpoint plus its generation
// parameters.
type ModelProfile struct {
	ServerURL string `yaml:"server_url"`
	Generation struct {
		MaxTokens   int      `yaml:"max_tokens"`
		Temperature float64  `yaml:"temperature"`
		TopP        float64  `yaml:"top_p"`
		StopTokens  []string `yaml:"stop_tokens"`
		CachePrompt bool     `yaml:"cache_prompt"`
		DoSample    bool     `yaml:"do_sample"`
	} `yaml:"generation"`
}

// LLMConfig configures the two local inference-server clients.
type LLMConfig struct {
	ActiveProfile string                  `yaml:"active_profile"`
	Models        map[string]ModelProfile `yaml:"models"`
	StreamTimeout time.Duration           `yaml:"stream_timeout"`
	JudgeTimeout  time.Duration           `yaml:"judge_timeout"`
}

// VectorStoreConfig configures the narrative/legislative ANN indices.
type VectorStoreConfig struct {
	Dimension       int    `yaml:"dimension"`
	Metric          string `yaml:"metric"` // "l2"
	NarrativePath   string `yaml:"narrative_path"`
	LegislativePath string `yaml:"legislative_path"`
}

// FullTextConfig configures the inverted index.
type FullTextConfig struct {
	IndexPath string `yaml:"index_path"`
}

// FileLocatorConfig configures the OS-assisted fast file finder.
type FileLocatorConfig struct {
	EverythingExePath  string `yaml:"everything_exe_path"`
	RechercheEverythingMax int `yaml:"recherche_everything_max"`
}

// MemoryConfig configures the layered persistence roots.
type MemoryConfig struct {
	Root               string            `yaml:"root"`
	ExtensionsByKind   map[string]string `yaml:"extensions_by_kind"`
	DossierExtraitsDir string            `yaml:"code_extraits_dir"`
}

// RetrievalConfig configures the unified read path.
type RetrievalConfig struct {
	TypeMemoire          string  `yaml:"type_memoire"`
	HistoriqueRecent     int     `yaml:"historique_recent"`
	ResultatsFinaux      int     `yaml:"resultats_finaux"`
	BoostIntention       float64 `yaml:"boost_intention"`
	VectorK              int     `yaml:"vector_k"`
}

// JudgeConfig configures a-priori relevance and a-posteriori coherence.
type JudgeConfig struct {
	Pertinence struct {
		StopWords  []string `yaml:"stop_words"`
		BoostTitre float64  `yaml:"boost_titre"`
		BonusSujet float64  `yaml:"bonus_sujet"`
	} `yaml:"pertinence"`
	Decision struct {
		SeuilValidation float64 `yaml:"seuil_validation"`
	} `yaml:"decision"`
	Limites struct {
		MinCharsContexte    int `yaml:"min_chars_contexte"`
		MaxCharsContexte    int `yaml:"max_chars_contexte"`
		MargePromptTotal    int `yaml:"marge_prompt_total"`
	} `yaml:"limites"`
}

// ContextConfig configures the context agent's aggregation pipeline.
type ContextConfig struct {
	MaxHistorySession    int                `yaml:"max_history_session"`
	RelevanceThreshold   float64            `yaml:"relevance_threshold"`
	MaxItemsContext      int                `yaml:"max_items_context"`
	TagsPriority         []string           `yaml:"tags_priority"`
	SymbolicRulesMap     map[string]string  `yaml:"symbolic_rules_map"`
	TriggersCategories   map[string]string  `yaml:"triggers_categories"`
}

// CodeGraphConfig configures the static analyser / code-chunks index.
type CodeGraphConfig struct {
	IncludeRoots    []string `yaml:"include_roots"`
	BlacklistExact  []string `yaml:"blacklist_exact"`
	BlacklistSubstr []string `yaml:"blacklist_substr"`
	ArtifactsDir    string   `yaml:"code_extraits_dir"`
	WatchEnabled    bool     `yaml:"watch_enabled"`
	ExternalDocsURL string   `yaml:"external_docs_url"`
}

// OrchestratorConfig configures session/tool-loop behaviour.
type OrchestratorConfig struct {
	MaxAutonomySteps int           `yaml:"max_autonomy_steps"`
	MaxHistorySession int          `yaml:"max_history_session"`
	WebResearch      WebResearchConfig `yaml:"web_research"`
	AlertTrigger     string        `yaml:"alert_trigger"`
	FeedbackKeyword  string        `yaml:"feedback_keyword"`
}

// WebResearchConfig configures the deep web-research loop.
type WebResearchConfig struct {
	SearchURL           string  `yaml:"search_url"`
	UseBrowser          bool    `yaml:"use_browser"`
	MaxTours            int     `yaml:"max_tours"`
	MaxContentLen        int     `yaml:"max_content_len"`
	SufficiencyThreshold float64 `yaml:"sufficiency_threshold"`
	MaxConcurrentScrapes int     `yaml:"max_concurrent_scrapes"`
	ScrapeTimeout        time.Duration `yaml:"scrape_timeout"`
}

// ReflexorConfig configures the self-correction incident loop.
type ReflexorConfig struct {
	TopKSimilarIncidents int `yaml:"top_k_similar_incidents"`
}

// ConsolidatorConfig configures the deferred session consolidator.
type ConsolidatorConfig struct {
	TimeoutSessionHeures float64 `yaml:"timeout_session_heures"`
	StaleAfterHours      float64 `yaml:"stale_after_hours"`
	CronSchedule         string  `yaml:"cron_schedule"`
	TrainingCentreDir    string  `yaml:"training_centre_dir"`
}

// EmbeddingConfig mirrors embedding.Config for YAML loading.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"`
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIModel     string `yaml:"genai_model"`
	TaskType       string `yaml:"task_type"`
}

// LoggingConfig mirrors the per-category debug toggles consumed by
// internal/logging.
type LoggingConfig struct {
	Debug      bool            `yaml:"debug"`
	Categories map[string]bool `yaml:"categories"`
}

// Default returns the full default configuration; every field is set so a
// missing YAML file still produces a runnable system.
func Default() Config {
	c := Config{
		LLM: LLMConfig{
			ActiveProfile: "large",
			Models: map[string]ModelProfile{
				"large": {ServerURL: "http://localhost:8080"},
				"small": {ServerURL: "http://localhost:8081"},
			},
			StreamTimeout: 300 * time.Second,
			JudgeTimeout:  60 * time.Second,
		},
		VectorStore: VectorStoreConfig{
			Dimension:       768,
			Metric:          "l2",
			NarrativePath:   "vectorielle",
			LegislativePath: "regles/vecteurs",
		},
		FullText: FullTextConfig{IndexPath: "fulltext"},
		FileLocator: FileLocatorConfig{
			EverythingExePath:      "es.exe",
			RechercheEverythingMax: 200,
		},
		Memory: MemoryConfig{
			Root:               ".",
			DossierExtraitsDir: "code/code_extraits",
			ExtensionsByKind: map[string]string{
				"python": "py", "go": "go", "json": "json",
				"yaml": "yaml", "markdown": "md", "text": "txt",
			},
		},
		Retrieval: RetrievalConfig{
			TypeMemoire:      "narrative",
			HistoriqueRecent: 20,
			ResultatsFinaux:  15,
			BoostIntention:   0.15,
			VectorK:          15,
		},
		Context: ContextConfig{
			MaxHistorySession:  20,
			RelevanceThreshold: 0.2,
			MaxItemsContext:    8,
			TagsPriority:       []string{"truth", "correction"},
		},
		CodeGraph: CodeGraphConfig{
			IncludeRoots:    []string{"."},
			BlacklistExact:  []string{"backups", "logs", "__pycache__", "venv", "node_modules", "dist", "build", ".git"},
			BlacklistSubstr: []string{"backup", "archive"},
			ArtifactsDir:    "code/code_extraits",
			WatchEnabled:    true,
		},
		Orchestrator: OrchestratorConfig{
			MaxAutonomySteps:  6,
			MaxHistorySession: 20,
			AlertTrigger:      "!!!",
			FeedbackKeyword:   "utile",
			WebResearch: WebResearchConfig{
				SearchURL:            "http://localhost:8888/search",
				MaxTours:             3,
				MaxContentLen:        8000,
				SufficiencyThreshold: 7.0,
				MaxConcurrentScrapes: 3,
				ScrapeTimeout:        10 * time.Second,
			},
		},
		Reflexor: ReflexorConfig{
			TopKSimilarIncidents: 5,
		},
		Consolidator: ConsolidatorConfig{
			TimeoutSessionHeures: 0.5,
			StaleAfterHours:      45,
			CronSchedule:         "0 */5 * * * *",
			TrainingCentreDir:    "training_centre",
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},
	}
	c.Judge.Pertinence.StopWords = []string{"the", "a", "an", "is", "of", "to", "and", "le", "la", "de", "du"}
	c.Judge.Pertinence.BoostTitre = 1.5
	c.Judge.Pertinence.BonusSujet = 0.1
	c.Judge.Decision.SeuilValidation = 0.6
	c.Judge.Limites.MinCharsContexte = 40
	c.Judge.Limites.MaxCharsContexte = 12000
	c.Judge.Limites.MargePromptTotal = 4000
	return c
}

// Load reads one component YAML file, rooted under `configuration:`, and
// merges it onto Default(). A missing file is not an error: it returns
// the default unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	doc := document{Configuration: cfg}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return doc.Configuration, nil
}

// Save writes cfg back to path under the `configuration:` root, creating
// parent directories as needed.
func Save(path string, cfg Config) error {
	doc := document{Configuration: cfg}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
