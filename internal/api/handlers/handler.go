package handlers

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/internal/bridge"
	"github.com/troikatech/voice-pipeline/internal/calllog"
	"github.com/troikatech/voice-pipeline/internal/session"
	"github.com/troikatech/voice-pipeline/pkg/env"
	"github.com/troikatech/voice-pipeline/pkg/llm"
	"github.com/troikatech/voice-pipeline/pkg/logger"
	"github.com/troikatech/voice-pipeline/pkg/mongo"
	"github.com/troikatech/voice-pipeline/pkg/stt"
	"github.com/troikatech/voice-pipeline/pkg/tts"
)

type Handler struct {
	cfg         *env.Config
	redisClient *redis.Client
	mongoClient *mongo.Client
	sessions    session.Store
	callLogs    calllog.Store
	bridge      *bridge.Bridge
	llmClient   llm.Client
	transcriber stt.Transcriber
	synthesizer tts.Synthesizer
	logger      *zap.Logger
}

func NewHandler(
	cfg *env.Config,
	redisClient *redis.Client,
	mongoClient *mongo.Client,
	sessions session.Store,
	callLogs calllog.Store,
	callBridge *bridge.Bridge,
	llmClient llm.Client,
	transcriber stt.Transcriber,
	synthesizer tts.Synthesizer,
) *Handler {
	return &Handler{
		cfg:         cfg,
		redisClient: redisClient,
		mongoClient: mongoClient,
		sessions:    sessions,
		callLogs:    callLogs,
		bridge:      callBridge,
		llmClient:   llmClient,
		transcriber: transcriber,
		synthesizer: synthesizer,
		logger:      logger.Log,
	}
}
