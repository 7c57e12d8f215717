package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/internal/api/handlers"
	"github.com/troikatech/voice-pipeline/internal/bridge"
	"github.com/troikatech/voice-pipeline/internal/calllog"
	"github.com/troikatech/voice-pipeline/internal/engine"
	"github.com/troikatech/voice-pipeline/internal/ivr"
	"github.com/troikatech/voice-pipeline/internal/session"
	"github.com/troikatech/voice-pipeline/internal/transcribe"
	"github.com/troikatech/voice-pipeline/internal/vad"
	"github.com/troikatech/voice-pipeline/pkg/env"
	"github.com/troikatech/voice-pipeline/pkg/llm"
	"github.com/troikatech/voice-pipeline/pkg/logger"
	"github.com/troikatech/voice-pipeline/pkg/middleware"
	"github.com/troikatech/voice-pipeline/pkg/mongo"
	"github.com/troikatech/voice-pipeline/pkg/otel"
	"github.com/troikatech/voice-pipeline/pkg/stt"
	"github.com/troikatech/voice-pipeline/pkg/tts"
)

// PipelineServer wires the HTTP API, the telephony bridge and the shared
// stores into one process.
type PipelineServer struct {
	cfg         *env.Config
	redisClient *redis.Client
	mongoClient *mongo.Client
	handler     *handlers.Handler
	bridge      *bridge.Bridge
}

func main() {
	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.LogLevel, cfg.AppEnv); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfg.OTELEnabled {
		shutdown, err := otel.InitTracing("voice-pipeline", "1.0.0", cfg.OTELEndpoint)
		if err != nil {
			logger.Log.Warn("Failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer shutdown()
			logger.Log.Info("OpenTelemetry tracing enabled", zap.String("endpoint", cfg.OTELEndpoint))
		}
	}

	logger.Log.Info("Starting voice pipeline server",
		zap.String("env", cfg.AppEnv),
		zap.String("port", cfg.AppPort),
	)

	// Initialize Redis
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Log.Fatal("Failed to parse Redis URL", zap.Error(err))
	}
	redisClient := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Log.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	// Initialize MongoDB
	mongoClient, err := mongo.NewClient(cfg.MongoURI, cfg.DBName)
	if err != nil {
		logger.Log.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(ctx); err != nil {
			logger.Log.Warn("Failed to disconnect MongoDB", zap.Error(err))
		}
	}()

	timeout := time.Duration(cfg.AITimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	// Language model
	if cfg.OpenAIApiKey == "" {
		logger.Log.Fatal("OPENAI_API_KEY is required")
	}
	llmClient := llm.NewOpenAIClient(cfg.OpenAIApiKey, cfg.OpenAIModel, cfg.OpenAIMaxTokens, timeout, logger.Log)
	logger.Log.Info("Language model client initialized", zap.String("model", cfg.OpenAIModel))

	// Speech to text: Deepgram when configured, Whisper otherwise
	var transcriber stt.Transcriber
	if cfg.DeepgramApiKey != "" {
		transcriber = stt.NewDeepgramClient(cfg.DeepgramApiKey, "nova-2", cfg.WhisperLanguage, timeout, logger.Log)
		logger.Log.Info("STT client initialized", zap.String("provider", "deepgram"))
	} else {
		transcriber = stt.NewWhisperClient(cfg.OpenAIApiKey, cfg.WhisperModel, cfg.WhisperLanguage, timeout, logger.Log)
		logger.Log.Info("STT client initialized", zap.String("provider", "whisper"))
	}

	// Text to speech: ElevenLabs when configured, OpenAI otherwise
	var synthesizer tts.Synthesizer
	if cfg.ElevenLabsApiKey != "" {
		synthesizer = tts.NewElevenLabsClient(cfg.ElevenLabsApiKey, cfg.ElevenLabsVoiceID, cfg.ElevenLabsModel, cfg.SampleRate, timeout, logger.Log)
		logger.Log.Info("TTS client initialized", zap.String("provider", "elevenlabs"))
	} else {
		synthesizer = tts.NewOpenAIClient(cfg.OpenAIApiKey, "shimmer", cfg.SampleRate, timeout, logger.Log)
		logger.Log.Info("TTS client initialized", zap.String("provider", "openai"))
	}

	// Stores
	sessions := session.NewRedisStore(redisClient, logger.Log)
	callLogs := calllog.NewMongoStore(mongoClient, logger.Log)

	// IVR state machine
	machine := ivr.NewStateMachine(ivr.Config{
		MaxRetries: cfg.MenuMaxRetries,
		SessionTTL: time.Duration(cfg.SessionTTLSec) * time.Second,
	}, sessions, logger.Log)

	// Telephony bridge
	callBridge := bridge.New(bridge.Config{
		SampleRate:      cfg.SampleRate,
		FrameInterval:   time.Duration(cfg.FrameIntervalMs) * time.Millisecond,
		FrameQueueDepth: cfg.FrameQueueDepth,
		VAD: vad.Config{
			Threshold:    cfg.VADThreshold,
			Debounce:     time.Duration(cfg.VADDebounceMs) * time.Millisecond,
			MaxUtterance: time.Duration(cfg.MaxUtteranceSec) * time.Second,
		},
		Transcribe: transcribe.Config{
			MinConfidence: cfg.MinConfidence,
		},
		Engine: engine.Config{
			Greeting:      cfg.GreetingText,
			ExitPhrases:   cfg.ExitPhrases,
			MaxRetries:    cfg.AIMaxRetries,
			MaxToolRounds: cfg.AIMaxToolRounds,
		},
		VoiceID: cfg.ElevenLabsVoiceID,
	}, bridge.Deps{
		LLM:      llmClient,
		STT:      transcriber,
		TTS:      synthesizer,
		Sessions: sessions,
		CallLogs: callLogs,
		IVR:      machine,
		Logger:   logger.Log,
	})

	apiHandler := handlers.NewHandler(cfg, redisClient, mongoClient, sessions, callLogs, callBridge, llmClient, transcriber, synthesizer)

	server := &PipelineServer{
		cfg:         cfg,
		redisClient: redisClient,
		mongoClient: mongoClient,
		handler:     apiHandler,
		bridge:      callBridge,
	}

	router := server.setupRouter()

	srv := &http.Server{
		Addr:         ":" + cfg.AppPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Finalize active calls before closing the listener so their records
	// are not lost.
	callBridge.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Log.Info("Server exited")
}

func (s *PipelineServer) setupRouter() *gin.Engine {
	if s.cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceMiddleware())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestSizeLimit(1 << 20)) // 1 MB limit

	if s.cfg.OTELEnabled {
		router.Use(otel.GinMiddleware())
	}

	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] %s %s %d %s\n",
			param.TimeStamp.Format(time.RFC3339),
			param.Method,
			param.Path,
			param.StatusCode,
			param.Latency,
		)
	}))

	// CORS
	corsConfig := cors.DefaultConfig()
	if s.cfg.CORSAllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = []string{s.cfg.CORSAllowedOrigins}
	}
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	// Health and operator endpoints
	router.GET("/health", s.handler.HealthCheck)
	router.GET("/metrics", s.handler.GetMetrics)

	// Call records
	calls := router.Group("/calls")
	{
		calls.GET("", s.handler.ListCalls)
		calls.GET("/:call_sid", s.handler.GetCall)
	}
	router.GET("/sessions", s.handler.ListSessions)

	// Telephony integration
	voicebot := router.Group("/voicebot")
	{
		voicebot.GET("", s.handler.VoicebotEndpoint)
		voicebot.POST("", s.handler.VoicebotEndpoint)
		voicebot.GET("/ws", s.handler.VoicebotWebSocket)
	}

	return router
}
