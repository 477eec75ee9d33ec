package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"LinguaChain/internal/agent"
	"LinguaChain/internal/api"
	"LinguaChain/internal/config"
	"LinguaChain/internal/events"
	"LinguaChain/internal/ipfs"
	"LinguaChain/internal/llm/openai"
	"LinguaChain/internal/observability/alerting"
	"LinguaChain/internal/payments"
	paymentseth "LinguaChain/internal/payments/ethereum"
	"LinguaChain/internal/protocol"
	"LinguaChain/pkg/logger"
)

// main 是翻译智能体守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("translatord 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("TRANSLATORD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "translatord.json")
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
		ChatModel:   cfg.LLM.ChatModel,
		SpeechModel: cfg.LLM.SpeechModel,
		Voice:       cfg.LLM.Voice,
		Timeout:     cfg.LLM.LLMTimeout(),
	})
	if err != nil {
		return err
	}

	opts := []agent.TranslatorOption{
		agent.WithLanguages(cfg.LLM.SourceLang, cfg.LLM.TargetLang),
		agent.WithStepTimeout(cfg.Agent.StepTimeout()),
		agent.WithAlerter(alerting.NewFanout()),
	}

	// 委托模式走支付，本地模式走内容发布。
	if cfg.Agent.Peer.AgentDID != "" {
		payment, err := buildPayments(ctx, cfg)
		if err != nil {
			return err
		}
		opts = append(opts, agent.WithPeer(agent.PeerConfig{
			AgentDID: cfg.Agent.Peer.AgentDID,
			PlanDID:  cfg.Agent.Peer.PlanDID,
		}, payment))
	} else {
		pinner, err := ipfs.NewPinataClient(ipfs.PinataConfig{
			APIKey:    cfg.IPFS.APIKey,
			APISecret: cfg.IPFS.APISecret,
			Gateway:   cfg.IPFS.Gateway,
		})
		if err != nil {
			return err
		}
		opts = append(opts, agent.WithPinner(pinner))
	}

	switch cfg.Protocol.Mode {
	case "", "local":
		return runLocal(ctx, cfg, llmClient, opts)
	case "http":
		return runHosted(ctx, cfg, llmClient, opts)
	default:
		return fmt.Errorf("未知的协议接入方式: %s", cfg.Protocol.Mode)
	}
}

// runLocal 在单机模式下运行：状态落到本地存储，事件走进程内队列，
// 同时提供运维 API。
func runLocal(ctx context.Context, cfg *config.Config, llmClient *openai.Client, opts []agent.TranslatorOption) error {
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
	translator := agent.NewTranslator(cfg.Agent.DID, backend, llmClient, opts...)

	consumerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := queue.Consume(consumerCtx, 1, translator.Handle); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("事件消费异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, cfg.Agent.DID, backend)
	return server.Start(ctx)
}

// runHosted 对接托管协议后台：HTTP 客户端读写状态，websocket 订阅事件。
func runHosted(ctx context.Context, cfg *config.Config, llmClient *openai.Client, opts []agent.TranslatorOption) error {
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

	translator := agent.NewTranslator(cfg.Agent.DID, client, llmClient, opts...)
	return subscriber.Consume(ctx, 1, translator.Handle)
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

func buildPayments(ctx context.Context, cfg *config.Config) (payments.Service, error) {
	switch cfg.Payments.Driver {
	case "", "memory":
		return payments.NewMemoryService(1), nil
	case "ethereum":
		plans, err := payments.LoadPlanDefinitions(cfg.Payments.PlansFile)
		if err != nil {
			return nil, err
		}
		var chainID *big.Int
		if cfg.Payments.ChainID > 0 {
			chainID = big.NewInt(cfg.Payments.ChainID)
		}
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return paymentseth.NewClient(dialCtx, paymentseth.Config{
			RPCURL:     cfg.Payments.RPCURL,
			PrivateKey: cfg.Payments.PrivateKey,
			ChainID:    chainID,
			Plans:      plans,
		})
	default:
		return nil, fmt.Errorf("未知的支付驱动: %s", cfg.Payments.Driver)
	}
}
