package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lishiyo/digital-twin-mem0-sub000/internal/queue"
	"github.com/lishiyo/digital-twin-mem0-sub000/internal/util"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/ai"
	oai "github.com/lishiyo/digital-twin-mem0-sub000/pkg/ai/ollama"
	gai "github.com/lishiyo/digital-twin-mem0-sub000/pkg/ai/openai"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/graph"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/leaselock"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/logger"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/logger/console"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/memory"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/profile"
	twindb "github.com/lishiyo/digital-twin-mem0-sub000/pkg/store/pgx"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	cfg := pipelineConfigFromEnv()

	// ExtractionAIClient
	adapter := util.GetEnv("AI_ADAPTER")
	var aiClient ai.ExtractionAIClient

	switch adapter {
	case "ollama":
		client, err := oai.NewTwinOllamaClient(oai.NewTwinOllamaClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			SummaryModel:    util.GetEnv("AI_CHAT_SUMMARY_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		aiClient = client
	default:
		aiClient = gai.NewTwinOpenAIClient(gai.NewTwinOpenAIClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			SummaryModel:    util.GetEnv("AI_CHAT_SUMMARY_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),
		})
	}

	// Init pgx pool with pgvector types registered per connection
	pgCfg, err := pgxpool.ParseConfig(util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Invalid DATABASE_URL", "err", err)
	}
	pgCfg.AfterConnect = func(ctx context.Context, conn *pgxv5.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pgConn, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	storage := twindb.NewTwinDBStorage(pgConn)
	embedDim := int(util.GetEnvNumeric("AI_EMBED_DIM", 1536))
	if err := storage.EnsureSchema(ctx, embedDim); err != nil {
		logger.Fatal("Failed to ensure schema", "err", err)
	}

	// Lease-backed locks for profile merges and summarization
	locker := leaselock.NewWaiter(leaselock.New(pgConn), leaselock.Options{
		TTL:          30 * time.Second,
		RenewEvery:   10 * time.Second,
		WaitInterval: 500 * time.Millisecond,
		WaitJitter:   250 * time.Millisecond,
	})

	merger, err := profile.NewMerger(profile.NewMergerParams{
		Store:  storage,
		Locker: locker,
		Config: cfg,
	})
	if err != nil {
		logger.Fatal("Could not create profile merger", "err", err)
	}

	memoryManager, err := memory.NewManager(memory.NewManagerParams{
		Store:    storage,
		Provider: aiClient,
		Locker:   locker,
		Config:   cfg,
	})
	if err != nil {
		logger.Fatal("Could not create memory manager", "err", err)
	}

	pipeline, err := graph.NewPipelineClient(graph.NewPipelineClientParams{
		Provider: aiClient,
		Storage:  storage,
		Merger:   merger,
		Memory:   memoryManager,
		Config:   cfg,
	})
	if err != nil {
		logger.Fatal("Could not create pipeline client", "err", err)
	}

	// Init rabbitmq
	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, queue.WorkQueues); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	// Expired raw memories are swept in the background
	go purgeLoop(ctx, storage)

	logger.Info("Listening for messages")

	// Single consumer channel with prefetch=1 so only one message is
	// in flight at a time across all queues
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	err = consumerCh.Qos(1, 0, true)
	if err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	type queuedMessage struct {
		msg       amqp.Delivery
		queueName string
	}

	messageChan := make(chan queuedMessage)

	for _, queueName := range queue.WorkQueues {
		go func(qName string) {
			consumerTag := fmt.Sprintf("%s_consumer", qName)
			msgs, err := consumerCh.Consume(
				qName,
				consumerTag,
				false, // autoAck
				false, // exclusive
				false, // noLocal
				false, // noWait
				nil,   // args
			)
			if err != nil {
				logger.Fatal("Failed to start consuming", "queue", qName, "err", err)
			}

			for {
				select {
				case <-ctx.Done():
					logger.Info("Stopping consumer", "queue", qName)
					return
				case msg, ok := <-msgs:
					if !ok {
						logger.Info("Message channel closed", "queue", qName)
						return
					}
					messageChan <- queuedMessage{msg: msg, queueName: qName}
				}
			}
		}(queueName)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping message processor")
				return
			case qm := <-messageChan:
				startTime := time.Now()
				logger.Info("Received message", "queue", qm.queueName)

				var processingErr error
				switch qm.queueName {
				case queue.ProcessQueue:
					processingErr = queue.ProcessUnitMessage(ctx, pipeline, ch, string(qm.msg.Body))
				case queue.DocumentQueue:
					processingErr = queue.ProcessDocumentMessage(ctx, pipeline, ch, string(qm.msg.Body))
				case queue.SummaryQueue:
					processingErr = queue.ProcessSummaryMessage(ctx, pipeline, string(qm.msg.Body))
				}

				// If there was an error send to retry or dead-letter, otherwise ack the message
				if processingErr != nil {
					logger.Error("Error processing message", "queue", qm.queueName, "err", processingErr)
					handleProcessingError(consumerCh, qm.msg, qm.queueName)
				} else {
					err = qm.msg.Ack(false)
					if err != nil {
						logger.Error("Failed to ack message", "err", err)
					}
					logger.Info("Message processed successfully", "queue", qm.queueName)
				}

				metrics := aiClient.GetMetrics()
				aiDuration := time.Duration(metrics.DurationMs) * time.Millisecond
				logger.Info(
					"AI Metrics",
					"input_tokens", metrics.InputTokens,
					"output_tokens", metrics.OutputTokens,
					"total_tokens", metrics.TotalTokens,
					"duration", aiDuration.Round(time.Second),
				)

				logger.Info(
					"Processing time",
					"duration", time.Since(startTime).Round(time.Second),
				)
				logger.Info("Waiting for next message")
				aiClient.ResetMetrics()
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")
}

func pipelineConfigFromEnv() common.PipelineConfig {
	cfg := common.DefaultPipelineConfig()
	cfg.MinEntityConfidence = util.GetEnvNumeric("MIN_ENTITY_CONFIDENCE", 0.6)
	cfg.FactSimilarityThreshold = util.GetEnvNumeric("FACT_SIMILARITY_THRESHOLD", 0.5)
	cfg.SummarizationMessageThreshold = int(util.GetEnvNumeric("SUMMARY_MESSAGE_THRESHOLD", 20))
	cfg.RawMemoryTTL = time.Duration(util.GetEnvNumeric("RAW_MEMORY_TTL_DAYS", 30)) * 24 * time.Hour
	cfg.ParallelUnits = int(util.GetEnvNumeric("PIPELINE_PARALLEL_UNITS", 4))
	cfg.MaxRetries = int(util.GetEnvNumeric("PIPELINE_MAX_RETRIES", 3))
	return cfg
}

func purgeLoop(ctx context.Context, storage *twindb.TwinDBStorage) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := storage.PurgeExpired(ctx)
			if err != nil {
				logger.Error("Failed to purge expired memories", "err", err)
				continue
			}
			if purged > 0 {
				logger.Info("Purged expired raw memories", "count", purged)
			}
		}
	}
}

func handleProcessingError(ch *amqp.Channel, msg amqp.Delivery, queueName string) {
	retries := 0
	if val, ok := msg.Headers["x-retries"]; ok {
		if v, ok := val.(int32); ok {
			retries = int(v)
		}
	}

	// If message has been retried 10 times, send to dead-letter
	if retries >= 10 {
		dlqName := queueName + "_dlq"
		logger.Info("Sending message to DLQ", "dlq", dlqName)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := msg.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	headers["x-retries"] = retries + 1

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}
