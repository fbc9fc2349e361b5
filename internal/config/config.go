package config

// Config is the full runtime configuration. Field tags cover both YAML and
// TOML config files.
type Config struct {
	Version  int      `yaml:"version" toml:"version"`
	StateDir string   `yaml:"state_dir" toml:"state_dir"`
	Sampling Sampling `yaml:"sampling" toml:"sampling"`
	Index    Index    `yaml:"index" toml:"index"`
	Search   Search   `yaml:"search" toml:"search"`
	Extract  Extract  `yaml:"extract" toml:"extract"`
	Models   Models   `yaml:"models" toml:"models"`
	Media    Media    `yaml:"media" toml:"media"`
	Coord    Coord    `yaml:"coordination" toml:"coordination"`
	Server   Server   `yaml:"server" toml:"server"`
	Tracing  Tracing  `yaml:"tracing" toml:"tracing"`
}

type Sampling struct {
	IntervalSeconds float64 `yaml:"interval_seconds" toml:"interval_seconds"`
}

type Index struct {
	ExactThreshold  int `yaml:"exact_threshold" toml:"exact_threshold"`
	NProbe          int `yaml:"nprobe" toml:"nprobe"`
	AutosaveSeconds int `yaml:"autosave_seconds" toml:"autosave_seconds"`
}

type Search struct {
	DefaultMode        string  `yaml:"default_mode" toml:"default_mode"`
	DefaultTopK        int     `yaml:"default_top_k" toml:"default_top_k"`
	MaxTopK            int     `yaml:"max_top_k" toml:"max_top_k"`
	SemanticWeight     float64 `yaml:"semantic_weight" toml:"semantic_weight"`
	CaptionWeight      float64 `yaml:"caption_weight" toml:"caption_weight"`
	MinSemanticScore   float64 `yaml:"min_semantic_score" toml:"min_semantic_score"`
	Oversample         int     `yaml:"oversample" toml:"oversample"`
	QueryBudgetMS      int     `yaml:"query_budget_ms" toml:"query_budget_ms"`
	GlobalExtractLimit int     `yaml:"global_extract_limit" toml:"global_extract_limit"`
}

type Extract struct {
	Strategy             string  `yaml:"strategy" toml:"strategy"`
	MaxFrames            int     `yaml:"max_frames" toml:"max_frames"`
	DenseIntervalSeconds float64 `yaml:"dense_interval_seconds" toml:"dense_interval_seconds"`
	MaxScanFrames        int     `yaml:"max_scan_frames" toml:"max_scan_frames"`
	MinGapSeconds        float64 `yaml:"min_gap_seconds" toml:"min_gap_seconds"`
	JobTimeoutSeconds    int     `yaml:"job_timeout_seconds" toml:"job_timeout_seconds"`
	Workers              int     `yaml:"workers" toml:"workers"`
	MaxErrorRatio        float64 `yaml:"max_error_ratio" toml:"max_error_ratio"`
}

type Models struct {
	CLIPBaseURL     string `yaml:"clip_base_url" toml:"clip_base_url"`
	CLIPAPIKey      string `yaml:"clip_api_key" toml:"clip_api_key"`
	CaptionProvider string `yaml:"caption_provider" toml:"caption_provider"`
	OpenAIAPIKey    string `yaml:"openai_api_key" toml:"openai_api_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url" toml:"openai_base_url"`
	OpenAIModel     string `yaml:"openai_caption_model" toml:"openai_caption_model"`
	TimeoutSeconds  int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

type Media struct {
	FFmpegPath      string `yaml:"ffmpeg_path" toml:"ffmpeg_path"`
	FFprobePath     string `yaml:"ffprobe_path" toml:"ffprobe_path"`
	KeyframeBackend string `yaml:"keyframe_backend" toml:"keyframe_backend"`
	MinIO           MinIO  `yaml:"minio" toml:"minio"`
}

type MinIO struct {
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	AccessKey string `yaml:"access_key" toml:"access_key"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
	Bucket    string `yaml:"bucket" toml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" toml:"use_ssl"`
}

type Coord struct {
	RedisAddr      string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password" toml:"redis_password"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds" toml:"lock_ttl_seconds"`
}

type Server struct {
	Listen string `yaml:"listen" toml:"listen"`
}

type Tracing struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

var (
	SearchModes        = []string{"semantic", "caption", "hybrid"}
	ExtractStrategies  = []string{"even", "query"}
	CaptionProviders   = []string{"clip", "openai"}
	KeyframeBackends   = []string{"fs", "minio"}
	DefaultConfigFile  = ".scenelens.yaml"
	DefaultStateDirRel = ".scenelens"
)

func Default() Config {
	return Config{
		Version:  1,
		StateDir: DefaultStateDirRel,
		Sampling: Sampling{IntervalSeconds: 2.0},
		Index: Index{
			ExactThreshold:  1000,
			NProbe:          8,
			AutosaveSeconds: 15,
		},
		Search: Search{
			DefaultMode:        "hybrid",
			DefaultTopK:        10,
			MaxTopK:            100,
			SemanticWeight:     0.6,
			CaptionWeight:      0.4,
			MinSemanticScore:   0.15,
			Oversample:         5,
			QueryBudgetMS:      20000,
			GlobalExtractLimit: 4,
		},
		Extract: Extract{
			Strategy:             "even",
			MaxFrames:            24,
			DenseIntervalSeconds: 0.25,
			MaxScanFrames:        240,
			MinGapSeconds:        0.5,
			JobTimeoutSeconds:    300,
			Workers:              4,
			MaxErrorRatio:        0.5,
		},
		Models: Models{
			CLIPBaseURL:     "http://127.0.0.1:8090",
			CaptionProvider: "clip",
			OpenAIModel:     "gpt-4o-mini",
			TimeoutSeconds:  30,
		},
		Media: Media{
			FFmpegPath:      "ffmpeg",
			FFprobePath:     "ffprobe",
			KeyframeBackend: "fs",
			MinIO:           MinIO{Bucket: "scenelens-keyframes"},
		},
		Coord:   Coord{LockTTLSeconds: 600},
		Server:  Server{Listen: "127.0.0.1:8000"},
		Tracing: Tracing{ServiceName: "scenelens"},
	}
}
