package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/mindful-companion/backend/internal/config"
	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/gateway/azure"
	"github.com/zhouzirui/mindful-companion/backend/internal/gateway/edge"
	openaigateway "github.com/zhouzirui/mindful-companion/backend/internal/gateway/openai"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/media"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/avatar"
	mediastore "github.com/zhouzirui/mindful-companion/backend/internal/service/media"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/narration"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	mode := flag.String("mode", "chain", "测试模式: chain、premium、basic 或 avatar")
	text := flag.String("text", "", "待朗读文本")
	voice := flag.String("voice", "", "声音 ID，默认使用配置中的声音")
	outputPath := flag.String("out", "", "音频输出路径 (默认自动生成)")
	useAvatar := flag.Bool("avatar", false, "chain 模式下尝试数字人视频")
	localSpeech := flag.Bool("local", false, "chain 模式下允许端侧朗读兜底")
	timeout := flag.Duration("timeout", 4*time.Minute, "整体超时时间")

	flag.Parse()

	if strings.TrimSpace(*text) == "" {
		flag.Usage()
		log.Fatal("需要通过 -text 提供待朗读文本")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	premium := openaigateway.New(openaigateway.Config{
		APIKey:         cfg.Chat.APIKey,
		BaseURL:        cfg.Chat.BaseURL,
		SpeechModel:    cfg.Speech.PremiumModel,
		DefaultVoice:   cfg.Speech.PremiumVoice,
		ResponseFormat: cfg.Speech.ResponseFormat,
	})
	basic := edge.New(cfg.Speech.BasicVoice)

	switch *mode {
	case "premium":
		runSpeech(ctx, premium, *text, *voice, *outputPath)
	case "basic":
		runSpeech(ctx, basic, *text, *voice, *outputPath)
	case "avatar":
		runAvatar(ctx, cfg, *text, *voice)
	case "chain":
		runChain(ctx, cfg, premium, basic, *text, *voice, *useAvatar, *localSpeech, *outputPath)
	default:
		flag.Usage()
		log.Fatalf("未知模式 %q", *mode)
	}
}

func runSpeech(ctx context.Context, synth gateway.SpeechSynthesizer, text, voice, outputPath string) {
	text = narration.PrepareText(text, narration.DefaultMaxChars)
	log.Printf("开始语音合成: voice=%q chars=%d", voice, len(text))

	start := time.Now()
	audio, err := synth.SynthesizeSpeech(ctx, text, voice)
	if err != nil {
		log.Fatalf("语音合成失败 (kind=%s): %v", gateway.KindOf(err), err)
	}
	writeAudio(audio.Data, audio.ContentType, outputPath)
	log.Printf("语音合成成功: bytes=%d 耗时=%s", len(audio.Data), time.Since(start))
}

func newEngine(cfg *config.Config) *avatar.Engine {
	if !cfg.Avatar.AvatarReady() {
		log.Fatal("数字人未配置，请设置 AZURE_SPEECH_ENDPOINT 与 AZURE_SPEECH_KEY")
	}
	provider, err := azure.New(azure.Config{
		Endpoint: cfg.Avatar.Endpoint,
		APIKey:   cfg.Avatar.APIKey,
		Timeout:  cfg.Avatar.RequestTimeout,
	})
	if err != nil {
		log.Fatalf("创建 Azure 客户端失败: %v", err)
	}
	return avatar.NewEngine(provider, avatar.Config{
		PollInterval:  cfg.Avatar.PollInterval,
		Timeout:       cfg.Avatar.Timeout,
		SubmitRetries: cfg.Avatar.SubmitRetries,
		RetryBackoff:  cfg.Avatar.RetryBackoff,
	})
}

func runAvatar(ctx context.Context, cfg *config.Config, text, voice string) {
	engine := newEngine(cfg)
	defer engine.Close()

	text = narration.PrepareText(text, cfg.Narration.MaxChars)
	log.Printf("提交数字人任务: chars=%d", len(text))

	snap, err := engine.Run(ctx, avatar.Request{Text: text, Config: gateway.AvatarConfig{Voice: voice}})
	if err != nil {
		log.Fatalf("数字人任务失败: %v", err)
	}
	log.Printf("任务结束: id=%s status=%s polls=%d url=%s detail=%s",
		snap.ID, snap.Status, snap.Polls, snap.ResultRef, snap.ErrorDetail)
}

func runChain(ctx context.Context, cfg *config.Config, premium, basic gateway.SpeechSynthesizer, text, voice string, useAvatar, localSpeech bool, outputPath string) {
	store := mediastore.NewStore("mem://narration", cfg.Store.MediaMaxBytes)

	opts := []narration.Option{narration.WithPremium(premium), narration.WithBasic(basic)}
	if useAvatar {
		engine := newEngine(cfg)
		defer engine.Close()
		opts = append(opts, narration.WithAvatar(engine))
	}

	chain := narration.NewChain(store, narration.Config{
		MaxChars:     cfg.Narration.MaxChars,
		PremiumVoice: cfg.Speech.PremiumVoice,
		BasicVoice:   cfg.Speech.BasicVoice,
	}, opts...)

	result, err := chain.Narrate(ctx, narration.Request{
		TurnID:      fmt.Sprintf("manual-%d", time.Now().UnixNano()),
		Text:        text,
		VoiceID:     voice,
		Avatar:      useAvatar,
		LocalSpeech: localSpeech,
	})
	if err != nil {
		log.Fatalf("朗读失败: %v", err)
	}

	for _, attempt := range result.Attempts {
		log.Printf("跳过 %s: %s", attempt.Mode, attempt.Reason)
	}
	log.Printf("朗读方式: %s", result.ModeUsed)

	if result.MediaRef == nil {
		return
	}
	switch result.MediaRef.Kind {
	case media.Audio:
		blob, err := store.Get(strings.TrimPrefix(result.MediaRef.URI, "mem://narration/"))
		if err != nil {
			log.Fatalf("读取音频失败: %v", err)
		}
		writeAudio(blob.Data, blob.ContentType, outputPath)
	case media.Video:
		log.Printf("视频地址: %s", result.MediaRef.URI)
	case media.Utterance:
		log.Printf("端侧朗读文本: %s", result.MediaRef.Text)
	}
}

func writeAudio(data []byte, contentType, outputPath string) {
	if outputPath == "" {
		ext := "mp3"
		if strings.Contains(contentType, "wav") {
			ext = "wav"
		}
		outputPath = fmt.Sprintf("narration-%d.%s", time.Now().Unix(), ext)
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		log.Fatalf("写入音频文件失败: %v", err)
	}
	log.Printf("音频已写入 %s", outputPath)
}
