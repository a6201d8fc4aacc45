package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is read once from the environment at startup.
type Config struct {
	Port     string
	LogLevel string

	// StoreBackend is "postgres" (Postgres + Mongo + Redis) or "memory" for
	// a dependency-free local run.
	StoreBackend string
	// DevSessionID seeds one ongoing session into the memory store.
	DevSessionID string
	PostgresURI  string
	MongoURI     string
	MongoDB      string
	RedisAddr    string

	MediaStoragePath string
	GCSBucket        string

	STTBackend       string
	STTLanguage      string
	WhisperModel     string
	GoogleEncoding   string
	GoogleSampleRate int
	GoogleModel      string

	EmotionURL string

	LLMBackend      string
	VertexProject   string
	VertexLocation  string
	VertexModel     string
	OpenAIBaseURL   string
	OpenAIAPIKey    string
	OpenAIModel     string
	OllamaUnloadURL string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	WSAllowedOrigins []string

	Workers             int
	LaneQueue           int
	MaxPartialFragments int
	MaxBufferedBytes    int
	MinBatchBytes       int

	InferenceTimeout time.Duration
	AnalysisTimeout  time.Duration
	DrainTimeout     time.Duration
	PingInterval     time.Duration
	StaleAfter       time.Duration
	ReapInterval     time.Duration
	ReportCacheTTL   time.Duration

	PurgeAudioAfterAnalysis bool
	// AnalysisQueue is "inline" (in-process) or "redis" (durable stream).
	AnalysisQueue string
}

func Load() (*Config, error) {
	c := &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		StoreBackend: strings.ToLower(getenv("STORE_BACKEND", "postgres")),
		DevSessionID: os.Getenv("DEV_SESSION_ID"),
		PostgresURI:  os.Getenv("POSTGRES_URI"),
		MongoURI:     os.Getenv("MONGO_URI"),
		MongoDB:      getenv("MONGO_DB", "intraview"),
		RedisAddr:    firstEnv("REDIS_ADDR", "REDIS_URI", "REDIS_URL"),

		MediaStoragePath: getenv("MEDIA_STORAGE_PATH", "./media"),
		GCSBucket:        os.Getenv("GCS_BUCKET"),

		STTBackend:     getenv("STT_BACKEND", "google"),
		STTLanguage:    getenv("STT_LANGUAGE", "en-US"),
		WhisperModel:   os.Getenv("WHISPER_MODEL"),
		GoogleEncoding: os.Getenv("GOOGLE_STT_ENCODING"),
		GoogleModel:    os.Getenv("GOOGLE_STT_MODEL"),

		EmotionURL: getenv("EMOTION_URL", "http://localhost:8001"),

		LLMBackend:      getenv("LLM_BACKEND", "vertex"),
		VertexProject:   os.Getenv("VERTEX_PROJECT"),
		VertexLocation:  getenv("VERTEX_LOCATION", "us-central1"),
		VertexModel:     getenv("VERTEX_MODEL", "gemini-1.5-flash"),
		OpenAIBaseURL:   getenv("OPENAI_BASE_URL", "http://localhost:11434/v1"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     getenv("OPENAI_MODEL", "phi3"),
		OllamaUnloadURL: os.Getenv("OLLAMA_UNLOAD_URL"),

		JWTSecret:   firstEnv("JWT_SECRET", "SUPABASE_JWT_SECRET"),
		JWTIssuer:   firstEnv("JWT_ISSUER", "SUPABASE_JWT_ISSUER"),
		JWTAudience: firstEnv("JWT_AUDIENCE", "SUPABASE_JWT_AUDIENCE"),

		WSAllowedOrigins: splitList(os.Getenv("WS_ALLOWED_ORIGINS")),

		AnalysisQueue: strings.ToLower(getenv("ANALYSIS_QUEUE", "inline")),
	}

	var errs []string
	num := func(key string, def int, dst *int) {
		v, err := getInt(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		*dst = v
	}
	dur := func(key string, def time.Duration, dst *time.Duration) {
		v, err := getDuration(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		*dst = v
	}

	num("GOOGLE_STT_SAMPLE_RATE", 48000, &c.GoogleSampleRate)
	num("WORKERS", 4, &c.Workers)
	num("LANE_QUEUE", 64, &c.LaneQueue)
	num("MAX_PARTIAL_FRAGMENTS", 256, &c.MaxPartialFragments)
	num("MAX_BUFFERED_BYTES", 32<<20, &c.MaxBufferedBytes)
	num("MIN_BATCH_BYTES", 0, &c.MinBatchBytes)

	dur("INFERENCE_TIMEOUT", 30*time.Second, &c.InferenceTimeout)
	dur("ANALYSIS_TIMEOUT", 10*time.Minute, &c.AnalysisTimeout)
	dur("DRAIN_TIMEOUT", 30*time.Second, &c.DrainTimeout)
	dur("PING_INTERVAL", 25*time.Second, &c.PingInterval)
	dur("STALE_AFTER", 5*time.Minute, &c.StaleAfter)
	dur("REAP_INTERVAL", time.Minute, &c.ReapInterval)
	dur("REPORT_CACHE_TTL", 10*time.Minute, &c.ReportCacheTTL)

	purge, err := strconv.ParseBool(getenv("PURGE_AUDIO_AFTER_ANALYSIS", "false"))
	if err != nil {
		errs = append(errs, "PURGE_AUDIO_AFTER_ANALYSIS: not a bool")
	}
	c.PurgeAudioAfterAnalysis = purge

	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.PostgresURI == "" {
			errs = append(errs, "POSTGRES_URI environment variable is not set")
		}
		if c.MongoURI == "" {
			errs = append(errs, "MONGO_URI environment variable is not set")
		}
		if c.RedisAddr == "" {
			errs = append(errs, "REDIS_ADDR (or REDIS_URI/REDIS_URL) environment variable is not set")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORE_BACKEND: unknown backend %q", c.StoreBackend))
	}
	if c.AnalysisQueue != "inline" && c.AnalysisQueue != "redis" {
		errs = append(errs, fmt.Sprintf("ANALYSIS_QUEUE: unknown queue %q", c.AnalysisQueue))
	}
	if c.AnalysisQueue == "redis" && c.StoreBackend == "memory" {
		errs = append(errs, "ANALYSIS_QUEUE=redis needs STORE_BACKEND=postgres")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return c, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def, fmt.Errorf("%s: not a non-negative integer", key)
	}
	return n, nil
}

// getDuration accepts Go durations ("30s") and bare seconds ("30").
func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def, fmt.Errorf("%s: not a duration", key)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
