package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"OpenACP/internal/api"
	"OpenACP/internal/approval"
	"OpenACP/internal/bridge"
	"OpenACP/internal/config"
	"OpenACP/internal/credential"
	"OpenACP/internal/fabric"
	"OpenACP/internal/guardrail"
	"OpenACP/internal/llm"
	_ "OpenACP/internal/llm/gemini"
	_ "OpenACP/internal/llm/openai"
	"OpenACP/internal/observability/alerting"
	"OpenACP/internal/observability/metrics"
	"OpenACP/internal/recorder"
	"OpenACP/internal/registry"
	"OpenACP/internal/runtime"
	"OpenACP/internal/schema"
	"OpenACP/internal/session"
	"OpenACP/internal/storage/mysql"
	"OpenACP/pkg/logger"
)

// main 是 OpenACP 控制面守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("acpd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := flag.String("config", "", "配置文件路径（默认读取 OPENACP_CONFIG）")
	flag.Parse()

	path := *configPath
	if path == "" && os.Getenv(config.EnvConfigPath) == "" {
		path = filepath.Join("configs", "openacp.json")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Flight: logger.FlightConfig{
			Enabled:    cfg.Log.Flight.Enabled,
			Path:       cfg.Log.Flight.Path,
			MaxSizeMB:  cfg.Log.Flight.MaxSizeMB,
			MaxBackups: cfg.Log.Flight.MaxBackups,
			MaxAgeDays: cfg.Log.Flight.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// 插件能力目录。
	reg := registry.NewMetadataRegistry()
	catalog, err := registry.LoadCatalog(cfg.Catalog)
	if err != nil {
		return err
	}
	catalog.Apply(reg)
	logger.L().Info("插件目录加载完成", "plugins", len(catalog.Plugins))

	// 审计模型必须独立于工作模型，共用实例会让审计形同虚设。
	auditor, err := buildAuditor(cfg.Governance)
	if err != nil {
		return err
	}
	guard := guardrail.New(reg, auditor)

	// MySQL：密钥仓库与飞行记录落库，未启用时二者都回落为内存/日志。
	var (
		db          *sql.DB
		secretRepo  *mysql.SecretRepository
		flightStore *mysql.FlightStore
	)
	if cfg.Storage.MySQL.Enabled {
		db, err = mysql.Open(ctx, mysql.Config{
			DSN:          cfg.Storage.MySQL.DSN,
			MaxOpenConns: cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns: cfg.Storage.MySQL.MaxIdleConns,
		})
		if err != nil {
			return err
		}
		defer db.Close()

		secretRepo, err = mysql.NewSecretRepository(ctx, db)
		if err != nil {
			return err
		}
		flightStore, err = mysql.NewFlightStore(ctx, db)
		if err != nil {
			return err
		}
	}

	// 飞行记录器：结构化日志永远在线，其余落点按配置追加。
	sinks := []recorder.Sink{recorder.NewFlightLogSink()}
	if flightStore != nil {
		sinks = append(sinks, recorder.NewMySQLSink(flightStore))
	}
	if cfg.Recorder.AMQP.Enabled {
		amqpSink, err := recorder.NewAMQPSink(recorder.AMQPConfig{
			URL:        cfg.Recorder.AMQP.URL,
			Queue:      cfg.Recorder.AMQP.Queue,
			BufferSize: cfg.Recorder.AMQP.BufferSize,
			Durable:    cfg.Recorder.AMQP.Durable,
		})
		if err != nil {
			return err
		}
		sinks = append(sinks, amqpSink)
	}
	var ledger *recorder.ForensicLedger
	if cfg.Recorder.Forensic.SigningKeyHex != "" {
		ledger, err = recorder.NewForensicLedger(cfg.Recorder.Forensic.SigningKeyHex)
		if err != nil {
			return err
		}
		sinks = append(sinks, ledger)
	}
	rec := recorder.New(sinks...)
	defer func() { _ = rec.Close() }()

	// 会话存储。
	var sessions session.Store
	switch cfg.Storage.Sessions.Driver {
	case "", "memory":
		store := session.NewMemoryStore(time.Duration(cfg.Storage.Sessions.TTLMinutes) * time.Minute)
		defer store.Stop()
		sessions = store
	case "redis":
		store, err := session.NewRedisStore(ctx, session.RedisConfig{
			Addr:     cfg.Storage.Sessions.Addr,
			Password: cfg.Storage.Sessions.Password,
			DB:       cfg.Storage.Sessions.DB,
			TTL:      time.Duration(cfg.Storage.Sessions.TTLMinutes) * time.Minute,
		})
		if err != nil {
			return err
		}
		defer func() { _ = store.Shutdown() }()
		sessions = store
	default:
		return fmt.Errorf("未知的会话存储驱动: %s", cfg.Storage.Sessions.Driver)
	}

	// 沙箱执行环境。
	var sandbox runtime.Runtime
	switch cfg.Sandbox.Driver {
	case "", "docker":
		sandbox, err = runtime.NewDockerRuntime(ctx, runtime.DockerConfig{
			SocketPath:  cfg.Sandbox.SocketPath,
			APIVersion:  cfg.Sandbox.APIVersion,
			Runtime:     cfg.Sandbox.Runtime,
			Image:       cfg.Sandbox.Image,
			WaitTimeout: time.Duration(cfg.Sandbox.WaitTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
	case "local":
		sandbox = runtime.NewLocalRuntime(cfg.Sandbox.LocalWorkDir)
	default:
		return fmt.Errorf("未知的沙箱驱动: %s", cfg.Sandbox.Driver)
	}

	// 凭证管理：密钥仓库缺失时只剩环境变量与 JIT 令牌两层。
	var secretSource credential.SecretSource
	if secretRepo != nil {
		secretSource = secretRepo
	}
	credentials := credential.NewManager(secretSource)

	alerts := buildAlerts(cfg.Alerting)

	approvals := approval.NewRegistry()
	b := bridge.New(
		reg,
		schema.NewJSONSchemaEnforcer(reg),
		guard,
		credentials,
		sandbox,
		rec,
		sessions,
		approvals,
		alerts,
		bridge.Config{
			CallbackBase:      cfg.Bridge.CallbackBase,
			ExecTimeout:       time.Duration(cfg.Bridge.ExecTimeoutSeconds) * time.Second,
			PluginImagePrefix: cfg.Bridge.PluginImagePrefix,
			PluginArtifactDir: cfg.Bridge.PluginArtifactDir,
			ApprovalKeywords:  cfg.Bridge.ApprovalKeywords,
		},
	)
	f := fabric.New(b, sessions, rec)

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && ctx.Err() == nil {
				logger.L().Error("指标服务退出", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, b, f, reg, sessions, approvals, flightStore, ledger)
	logger.L().Info("acpd 启动", "addr", cfg.Server.Address, "sandbox", cfg.Sandbox.Driver)
	return server.Start(ctx)
}

// buildAuditor 创建审计模型客户端，并校验双模型隔离约束。
func buildAuditor(cfg config.GovernanceConfig) (llm.Provider, error) {
	if cfg.Guardrail.Provider == "" {
		// 缺失审计模型时治理管线按失效安全处理，所有调用都会被拒绝。
		logger.L().Warn("未配置审计模型，所有调用将被失效安全拒绝")
		return nil, nil
	}
	if cfg.Guardrail.Provider == cfg.Worker.Provider && cfg.Guardrail.Model == cfg.Worker.Model &&
		cfg.Guardrail.Model != "" {
		logger.L().Warn("审计模型与工作模型相同，独立审计的约束被削弱",
			"provider", cfg.Guardrail.Provider, "model", cfg.Guardrail.Model)
	}
	return llm.NewProvider(llm.ProviderConfig{
		Provider: cfg.Guardrail.Provider,
		APIKey:   cfg.Guardrail.APIKey,
		BaseURL:  cfg.Guardrail.BaseURL,
		Model:    cfg.Guardrail.Model,
		Timeout:  time.Duration(cfg.Guardrail.TimeoutSeconds) * time.Second,
	})
}

// buildAlerts 根据配置装配告警渠道。日志渠道永远在线兜底。
func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: &alerting.DingTalkWebhookSender{WebhookURL: cfg.DingTalkWebhook},
		})
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.SlackWebhookSender{WebhookURL: cfg.SlackWebhook},
			ChannelID: cfg.SlackChannel,
		})
	}
	return alerting.NewFanout(notifiers...)
}
