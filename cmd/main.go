package main

import (
	"context"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	log "github.com/sirupsen/logrus"

	"companion-engine/handler"
	"companion-engine/internal/contextstore"
	"companion-engine/internal/engine"
	"companion-engine/internal/integrations/openai"
	"companion-engine/internal/integrations/paramstore"
	"companion-engine/internal/repository"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	redisURL := os.Getenv("REDIS_URL")
	maxContextMessages := envInt("MAX_CONTEXT_MESSAGES", 20)
	maxContextTokens := envInt("MAX_CONTEXT_TOKENS", 4000)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.WithError(err).Fatal("failed to load AWS config")
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		log.WithError(err).Fatal("failed to create SSM client")
	}
	repo, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		log.WithError(err).Fatal("failed to create state client")
	}

	var cache contextstore.Store
	if redisURL != "" {
		cache, err = contextstore.NewRedisStore(redisURL)
		if err != nil {
			log.WithError(err).Fatal("failed to create redis context store")
		}
	} else {
		// The cache is advisory; without Redis the engine still rebuilds
		// context from message history every turn.
		log.Warn("REDIS_URL is not set, using process-local context store")
		cache = contextstore.NewMemoryStore()
	}

	provider, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		log.WithError(err).Fatal("failed to create OpenAI client")
	}

	// ---- Engine ----
	svc, err := engine.NewService(
		repo.Conversations(),
		repo.Messages(),
		repo.Personas(),
		provider,
		provider,
		cache,
		maxContextMessages,
		maxContextTokens,
	)
	if err != nil {
		log.WithError(err).Fatal("failed to create engine")
	}

	h, err := handler.NewHandler(svc)
	if err != nil {
		log.WithError(err).Fatal("failed to create handler")
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.WithField("key", key).Fatal("required environment variable is not set")
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
