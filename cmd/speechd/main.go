package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"LinguaChain/internal/agent"
	"LinguaChain/internal/api"
	"LinguaChain/internal/config"
	"LinguaChain/internal/events"
	"LinguaChain/internal/ipfs"
	"LinguaChain/internal/llm/openai"
	"LinguaChain/internal/observability/alerting"
	"LinguaChain/internal/protocol"
	"LinguaChain/pkg/logger"
)

// main 是 text2speech 智能体守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("speechd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("SPEECHD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "speechd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Agent.DID == "" {
		return errors.New("未配置智能体 DID")
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	llmClient, err := openai.NewClient(openai.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		SpeechModel: cfg.LLM.SpeechModel,
		Voice:       cfg.LLM.Voice,
		Timeout:     cfg.LLM.LLMTimeout(),
	})
	if err != nil {
		return err
	}

	pinner, err := ipfs.NewPinataClient(ipfs.PinataConfig{
		APIKey:    cfg.IPFS.APIKey,
		APISecret: cfg.IPFS.APISecret,
		Gateway:   cfg.IPFS.Gateway,
	})
	if err != nil {
		return err
	}

	opts := []agent.SpeechOption{
		agent.WithSpeechStepTimeout(cfg.Agent.StepTimeout()),
		agent.WithSpeechAlerter(alerting.NewFanout()),
	}

	switch cfg.Protocol.Mode {
	case "", "local":
		return runLocal(ctx, cfg, llmClient, pinner, opts)
	case "http":
		return runHosted(ctx, cfg, llmClient, pinner, opts)
	default:
		return fmt.Errorf("未知的协议接入方式: %s", cfg.Protocol.Mode)
	}
}

// runLocal 在单机模式下运行，同时提供运维 API。
func runLocal(ctx context.Context, cfg *config.Config, llmClient *openai.Client, pinner ipfs.Pinner, opts []agent.SpeechOption) error {
	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("关闭任务存储失败: %v", err)
		}
	}()

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭事件通道失败: %v", err)
		}
	}()

	backend := protocol.NewLocalBackend(store, queue)
	speech := agent.NewSpeechAgent(cfg.Agent.DID, backend, llmClient, pinner, opts...)

	consumerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := queue.Consume(consumerCtx, 1, speech.Handle); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("事件消费异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, cfg.Agent.DID, backend)
	return server.Start(ctx)
}

// runHosted 对接托管协议后台。
func runHosted(ctx context.Context, cfg *config.Config, llmClient *openai.Client, pinner ipfs.Pinner, opts []agent.SpeechOption) error {
	client, err := protocol.NewHTTPClient(protocol.HTTPConfig{
		BaseURL: cfg.Protocol.BaseURL,
		APIKey:  cfg.Protocol.APIKey,
	})
	if err != nil {
		return err
	}

	subscriber, err := events.NewSubscriber(events.SubscriberConfig{
		URL:    cfg.Protocol.WSURL,
		APIKey: cfg.Protocol.APIKey,
		Rooms:  []string{cfg.Agent.DID},
	})
	if err != nil {
		return err
	}
	defer subscriber.Close()

	speech := agent.NewSpeechAgent(cfg.Agent.DID, client, llmClient, pinner, opts...)
	return subscriber.Consume(ctx, 1, speech.Handle)
}

func buildStore(cfg *config.Config) (protocol.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return protocol.NewMemoryStore(), nil
	case "mysql":
		return protocol.NewMySQLStore(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func buildQueue(cfg *config.Config) (events.Queue, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return events.NewMemoryQueue(1024), nil
	case "redis":
		return events.NewRedisQueue(events.RedisQueueConfig{
			Address:  cfg.Events.Redis.Addr,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Queue:    cfg.Events.Queue,
		})
	case "rabbitmq":
		return events.NewRabbitMQQueue(events.RabbitMQConfig{
			URL:     cfg.Events.RabbitMQ.URL,
			Queue:   cfg.Events.Queue,
			Durable: true,
		})
	default:
		return nil, fmt.Errorf("未知的事件通道驱动: %s", cfg.Events.Driver)
	}
}
