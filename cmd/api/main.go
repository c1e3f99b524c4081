package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/mindful-companion/backend/internal/config"
	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	arkgateway "github.com/zhouzirui/mindful-companion/backend/internal/gateway/ark"
	"github.com/zhouzirui/mindful-companion/backend/internal/gateway/azure"
	"github.com/zhouzirui/mindful-companion/backend/internal/gateway/edge"
	openaigateway "github.com/zhouzirui/mindful-companion/backend/internal/gateway/openai"
	"github.com/zhouzirui/mindful-companion/backend/internal/handler"
	"github.com/zhouzirui/mindful-companion/backend/internal/handler/jobs"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/persona"
	"github.com/zhouzirui/mindful-companion/backend/internal/observe"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/avatar"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/chat"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/conversation"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/cooldown"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/media"
	moodservice "github.com/zhouzirui/mindful-companion/backend/internal/service/mood"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/narration"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	var metrics *observe.Metrics
	if cfg.Observability.MetricsEnabled {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: cfg.Observability.ServiceName})
		if err != nil {
			log.Fatalf("failed to initialize metrics provider: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Printf("warning: metrics shutdown: %v", err)
			}
		}()
		metrics = observe.DefaultMetrics()
	}

	personaStore := persona.NewMemoryStore(persona.Seed())
	mediaStore := media.NewStore("/api/media", cfg.Store.MediaMaxBytes)
	chatService := chat.NewService(chat.WithMediaReleaser(mediaStore), chat.WithMetrics(metrics))

	// Chat provider
	groq := openaigateway.New(openaigateway.Config{
		APIKey:         cfg.Chat.APIKey,
		BaseURL:        cfg.Chat.BaseURL,
		SpeechModel:    cfg.Speech.PremiumModel,
		DefaultVoice:   cfg.Speech.PremiumVoice,
		ResponseFormat: cfg.Speech.ResponseFormat,
	})

	var (
		completer    gateway.ChatCompleter = groq
		providerName                       = "groq"
		moodModel    model.BaseChatModel
	)
	if cfg.Chat.Provider == "ark" {
		chatModel, err := arkgateway.NewChatModel(ctx, arkConfig(cfg.Chat.Ark))
		if err != nil {
			log.Fatalf("failed to initialize Ark chat model: %v", err)
		}
		completer = arkgateway.NewWithModel(chatModel)
		providerName = "ark"
		moodModel = chatModel
		log.Println("Ark chat model initialized successfully")
	} else if cfg.Chat.ValidateOnStart {
		validateCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := groq.ValidateConnection(validateCtx, cfg.Chat.Model); err != nil {
			log.Printf("warning: chat provider validation failed: %v", err)
		} else {
			log.Println("chat provider connection validated")
		}
		cancel()
	}

	controller := cooldown.New(cooldown.Config{
		Baseline: cfg.Cooldown.Baseline,
		Factor:   cfg.Cooldown.Factor,
		Ceiling:  cfg.Cooldown.Ceiling,
	}, cooldown.WithMetrics(metrics))

	// 分类与对话共用同一个上游，必须走同一个冷却控制
	moodSvc, err := moodservice.NewService(ctx, moodModel, moodservice.Config{
		Enabled:      cfg.Mood.LLMEnabled,
		HistoryLimit: cfg.Mood.HistoryLimit,
	}, moodservice.WithGate(controller), moodservice.WithErrorMapper(arkgateway.ClassifyError))
	if err != nil {
		log.Printf("warning: failed to initialize mood classifier: %v", err)
		moodSvc, _ = moodservice.NewService(ctx, nil, moodservice.Config{HistoryLimit: cfg.Mood.HistoryLimit})
	}
	if moodSvc.Enabled() {
		log.Println("Mood classifier enabled")
	} else {
		log.Println("Mood classifier disabled, using keyword heuristics")
	}

	// Avatar job engine
	var (
		engine    *avatar.Engine
		cleanup   func()
		jobEngine jobs.Engine
		jobEvents jobs.Listener
	)
	if cfg.Avatar.AvatarReady() {
		engine, cleanup, err = newAvatarEngine(ctx, cfg, metrics)
		if err != nil {
			log.Fatalf("failed to initialize avatar engine: %v", err)
		}
		hub, err := avatar.NewHub(engine.Bus())
		if err != nil {
			log.Fatalf("failed to subscribe avatar hub: %v", err)
		}
		jobEngine, jobEvents = engine, hub
		log.Println("Avatar engine initialized successfully")
	} else {
		log.Println("Azure 数字人未配置，跳过视频合成")
	}

	// Narration fallback chain
	narrationOpts := []narration.Option{narration.WithMetrics(metrics)}
	var premium gateway.SpeechSynthesizer
	if engine != nil {
		narrationOpts = append(narrationOpts, narration.WithAvatar(engine))
	}
	if cfg.Speech.PremiumEnabled {
		premium = groq
		narrationOpts = append(narrationOpts, narration.WithPremium(groq))
	}
	if cfg.Speech.BasicEnabled {
		narrationOpts = append(narrationOpts, narration.WithBasic(edge.New(cfg.Speech.BasicVoice)))
	}
	narrator := narration.NewChain(mediaStore, narration.Config{
		MaxChars:     cfg.Narration.MaxChars,
		PremiumVoice: cfg.Speech.PremiumVoice,
		BasicVoice:   cfg.Speech.BasicVoice,
	}, narrationOpts...)

	convo := conversation.NewService(chatService, personaStore, completer, controller,
		conversation.WithMood(moodSvc),
		conversation.WithNarrator(narrator),
		conversation.WithPhotoStore(mediaStore),
		conversation.WithMetrics(metrics),
		conversation.WithModel(providerName, cfg.Chat.Model),
	)

	router := handler.NewRouter(handler.Deps{
		Personas:       personaStore,
		Chat:           chatService,
		Conversation:   convo,
		Media:          mediaStore,
		Narrator:       narrator,
		Premium:        premium,
		Jobs:           jobEngine,
		JobEvents:      jobEvents,
		Metrics:        metrics,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ServeMetrics:   cfg.Observability.MetricsEnabled,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.Server.Addr, err)
	}
	log.Printf("Mindful companion backend listening on %s", cfg.Server.Addr)
	if err := run(ctx, srv, ln, cfg.Server.ShutdownTimeout, cleanup); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// newAvatarEngine 返回的 cleanup 先停轮询，再关闭任务存储。
func newAvatarEngine(ctx context.Context, cfg *config.Config, metrics *observe.Metrics) (*avatar.Engine, func(), error) {
	provider, err := azure.New(azure.Config{
		Endpoint: cfg.Avatar.Endpoint,
		APIKey:   cfg.Avatar.APIKey,
		Timeout:  cfg.Avatar.RequestTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	var closeStore func() error

	opts := []avatar.Option{avatar.WithMetrics(metrics)}
	if cfg.Store.RedisAddr != "" {
		store, err := avatar.NewRedisStore(ctx, avatar.RedisConfig{
			Addr:      cfg.Store.RedisAddr,
			Username:  cfg.Store.RedisUsername,
			Password:  cfg.Store.RedisPassword,
			DB:        cfg.Store.RedisDB,
			Retention: cfg.Store.JobRetention,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Printf("avatar jobs stored in redis at %s", cfg.Store.RedisAddr)
		opts = append(opts, avatar.WithStore(store))
		closeStore = store.Close
	} else {
		opts = append(opts, avatar.WithStore(avatar.NewMemoryStore(cfg.Store.JobRetention)))
	}

	engine := avatar.NewEngine(provider, avatar.Config{
		PollInterval:  cfg.Avatar.PollInterval,
		Timeout:       cfg.Avatar.Timeout,
		SubmitRetries: cfg.Avatar.SubmitRetries,
		RetryBackoff:  cfg.Avatar.RetryBackoff,
	}, opts...)

	cleanup := func() {
		engine.Close()
		if closeStore != nil {
			if err := closeStore(); err != nil {
				log.Printf("[avatar] close job store: %v", err)
			}
		}
	}
	return engine, cleanup, nil
}

func arkConfig(c config.ArkConfig) arkgateway.Config {
	return arkgateway.Config{
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		Temperature: c.Temperature,
		TopP:        c.TopP,
		MaxTokens:   c.MaxTokens,
	}
}

// run serves on ln until ctx ends. cleanup 与 HTTP 排空并行执行：长连接上的
// SSE/WebSocket 在等任务事件，先停后台轮询它们才会退出。
func run(ctx context.Context, srv *http.Server, ln net.Listener, shutdownTimeout time.Duration, cleanup func()) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			if cleanup != nil {
				cleanup()
			}
		}()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		<-stopped
		log.Println("server stopped")
		return err
	})

	return g.Wait()
}
