package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv  string
	AppPort string
	TZ      string

	RedisURL string

	MongoURI string
	DBName   string

	// Language model collaborator
	OpenAIApiKey    string
	OpenAIModel     string
	OpenAIMaxTokens int
	AITimeoutMs     int
	AIMaxRetries    int
	AIMaxToolRounds int

	// TTS collaborator (ElevenLabs primary, OpenAI fallback)
	ElevenLabsApiKey  string
	ElevenLabsVoiceID string
	ElevenLabsModel   string

	// STT collaborator (Whisper primary, Deepgram alternative)
	WhisperModel    string
	WhisperLanguage string
	DeepgramApiKey  string

	// Audio / pipeline tuning
	SampleRate      int
	FrameIntervalMs int
	FrameQueueDepth int
	VADThreshold    float64
	VADDebounceMs   int
	MaxUtteranceSec int
	MinConfidence   float64
	GreetingText    string
	ExitPhrases     []string

	// IVR / session
	SessionTTLSec  int
	MenuMaxRetries int

	// Signaling transport
	StreamBaseURL     string // public base URL handed to the signaling layer
	StreamTokenSecret string // signs short-lived media stream tokens
	StreamTokenTTLSec int
	SignalingSecret   string // HMAC secret for signaling webhook payloads

	LogLevel           string
	CORSAllowedOrigins string

	OTELEndpoint string
	OTELEnabled  bool
}

func Load(envFile string) (*Config, error) {
	if envFile != "" {
		// Missing .env is fine - production runs on environment variables only.
		if err := godotenv.Load(envFile); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		AppEnv:  getEnv("APP_ENV", "development"),
		AppPort: getEnv("APP_PORT", "8080"),
		TZ:      getEnv("TZ", "Asia/Kolkata"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		MongoURI: getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DBName:   getEnv("DB_NAME", "voicepipeline"),

		OpenAIApiKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIMaxTokens: getEnvInt("OPENAI_MAX_TOKENS", 300),
		AITimeoutMs:     getEnvInt("AI_TIMEOUT_MS", 10000),
		AIMaxRetries:    getEnvInt("AI_MAX_RETRIES", 2),
		AIMaxToolRounds: getEnvInt("AI_MAX_TOOL_ROUNDS", 5),

		ElevenLabsApiKey:  getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID: getEnv("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsModel:   getEnv("ELEVENLABS_MODEL", "eleven_turbo_v2_5"),

		WhisperModel:    getEnv("WHISPER_MODEL", "whisper-1"),
		WhisperLanguage: getEnv("WHISPER_LANGUAGE", ""),
		DeepgramApiKey:  getEnv("DEEPGRAM_API_KEY", ""),

		SampleRate:      getEnvInt("AUDIO_SAMPLE_RATE", 16000),
		FrameIntervalMs: getEnvInt("AUDIO_FRAME_INTERVAL_MS", 20),
		FrameQueueDepth: getEnvInt("AUDIO_FRAME_QUEUE_DEPTH", 128),
		VADThreshold:    getEnvFloat("VAD_THRESHOLD", 500),
		VADDebounceMs:   getEnvInt("VAD_DEBOUNCE_MS", 300),
		MaxUtteranceSec: getEnvInt("VAD_MAX_UTTERANCE_SEC", 30),
		MinConfidence:   getEnvFloat("STT_MIN_CONFIDENCE", 0.4),
		GreetingText:    getEnv("GREETING_TEXT", "Hello! How can I help you today?"),
		ExitPhrases:     getEnvList("EXIT_PHRASES", "goodbye,bye,exit,quit,stop,end conversation"),

		SessionTTLSec:  getEnvInt("SESSION_TTL_SEC", 300),
		MenuMaxRetries: getEnvInt("MENU_MAX_RETRIES", 3),

		StreamBaseURL:     getEnv("STREAM_BASE_URL", ""),
		StreamTokenSecret: getEnv("STREAM_TOKEN_SECRET", ""),
		StreamTokenTTLSec: getEnvInt("STREAM_TOKEN_TTL_SEC", 120),
		SignalingSecret:   getEnv("SIGNALING_WEBHOOK_SECRET", ""),

		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		OTELEndpoint: getEnv("OTEL_ENDPOINT", ""),
		OTELEnabled:  getEnvBool("OTEL_ENABLED", false),
	}

	if cfg.AppEnv == "production" && cfg.StreamTokenSecret == "" {
		return nil, fmt.Errorf("STREAM_TOKEN_SECRET is required in production")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
