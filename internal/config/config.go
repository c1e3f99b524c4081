package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 聚合整个服务的配置项。优先级：默认值 < CONFIG_FILE 指定的 YAML < 环境变量。
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Chat          ChatConfig          `yaml:"chat"`
	Speech        SpeechConfig        `yaml:"speech"`
	Avatar        AvatarConfig        `yaml:"avatar"`
	Narration     NarrationConfig     `yaml:"narration"`
	Cooldown      CooldownConfig      `yaml:"cooldown"`
	Store         StoreConfig         `yaml:"store"`
	Mood          MoodConfig          `yaml:"mood"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// ChatConfig 选择对话模型供应商。
type ChatConfig struct {
	Provider        string    `yaml:"provider"` // openai | ark
	Model           string    `yaml:"model"`
	APIKey          string    `yaml:"apiKey"`
	BaseURL         string    `yaml:"baseURL"`
	ValidateOnStart bool      `yaml:"validateOnStart"`
	Ark             ArkConfig `yaml:"ark"`
}

// ArkConfig 描述火山方舟模型配置。
type ArkConfig struct {
	APIKey      string   `yaml:"apiKey"`
	AccessKey   string   `yaml:"accessKey"`
	SecretKey   string   `yaml:"secretKey"`
	Model       string   `yaml:"model"`
	BaseURL     string   `yaml:"baseURL"`
	Region      string   `yaml:"region"`
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	MaxTokens   *int     `yaml:"maxTokens"`
}

// SpeechConfig 描述两档语音合成。
type SpeechConfig struct {
	PremiumEnabled bool   `yaml:"premiumEnabled"`
	PremiumModel   string `yaml:"premiumModel"`
	PremiumVoice   string `yaml:"premiumVoice"`
	ResponseFormat string `yaml:"responseFormat"`
	BasicEnabled   bool   `yaml:"basicEnabled"`
	BasicVoice     string `yaml:"basicVoice"`
}

// AvatarConfig 描述数字人视频合成。
type AvatarConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Endpoint       string        `yaml:"endpoint"`
	APIKey         string        `yaml:"apiKey"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	Timeout        time.Duration `yaml:"timeout"`
	SubmitRetries  int           `yaml:"submitRetries"`
	RetryBackoff   time.Duration `yaml:"retryBackoff"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// NarrationConfig 控制朗读前的文本处理。
type NarrationConfig struct {
	MaxChars int `yaml:"maxChars"`
}

// CooldownConfig 描述请求间隔及限流后的升级策略。
type CooldownConfig struct {
	Baseline time.Duration `yaml:"baseline"`
	Factor   float64       `yaml:"factor"`
	Ceiling  time.Duration `yaml:"ceiling"`
}

// StoreConfig 描述任务快照与媒体的存储。RedisAddr 为空时使用内存。
type StoreConfig struct {
	RedisAddr     string        `yaml:"redisAddr"`
	RedisUsername string        `yaml:"redisUsername"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"`
	JobRetention  time.Duration `yaml:"jobRetention"`
	MediaMaxBytes int           `yaml:"mediaMaxBytes"`
}

// MoodConfig 控制情绪分析。
type MoodConfig struct {
	LLMEnabled   bool `yaml:"llmEnabled"`
	HistoryLimit int  `yaml:"historyLimit"`
}

// ObservabilityConfig 控制指标导出。
type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metricsEnabled"`
	ServiceName    string `yaml:"serviceName"`
}

// Default 返回内置默认值。
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Chat: ChatConfig{
			Provider: "openai",
			Model:    "llama-3.3-70b-versatile",
			BaseURL:  "https://api.groq.com/openai/v1",
			Ark: ArkConfig{
				BaseURL: "https://ark.cn-beijing.volces.com/api/v3",
				Region:  "cn-beijing",
			},
		},
		Speech: SpeechConfig{
			PremiumEnabled: true,
			PremiumModel:   "playai-tts",
			PremiumVoice:   "Arista-PlayAI",
			ResponseFormat: "wav",
			BasicEnabled:   true,
			BasicVoice:     "en-US-JennyNeural",
		},
		Avatar: AvatarConfig{
			PollInterval:   5 * time.Second,
			Timeout:        3 * time.Minute,
			SubmitRetries:  2,
			RetryBackoff:   time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Narration: NarrationConfig{MaxChars: 500},
		Cooldown: CooldownConfig{
			Baseline: 5 * time.Second,
			Factor:   2,
			Ceiling:  10 * time.Second,
		},
		Store: StoreConfig{
			JobRetention:  time.Hour,
			MediaMaxBytes: 64 << 20,
		},
		Mood: MoodConfig{HistoryLimit: 6},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			ServiceName:    "mindful-companion",
		},
	}
}

// Load 解析默认值、可选的 YAML 文件和环境变量。
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	loaders := []func(*Config) error{
		loadServerConfig,
		loadChatConfig,
		loadSpeechConfig,
		loadAvatarConfig,
		loadNarrationConfig,
		loadCooldownConfig,
		loadStoreConfig,
		loadMoodConfig,
		loadObservabilityConfig,
	}
	for _, load := range loaders {
		if err := load(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate 检查取值之间的约束。
func (c *Config) Validate() error {
	switch c.Chat.Provider {
	case "openai":
	case "ark":
		if !c.Chat.Ark.Enabled() {
			return fmt.Errorf("CHAT_PROVIDER=ark 需要 ARK_MODEL 以及 ARK_API_KEY 或 AK/SK 组合")
		}
	default:
		return fmt.Errorf("invalid CHAT_PROVIDER value %q: want openai or ark", c.Chat.Provider)
	}

	if c.Cooldown.Baseline <= 0 {
		return fmt.Errorf("invalid COOLDOWN_BASELINE value %s: must be positive", c.Cooldown.Baseline)
	}
	if c.Cooldown.Factor < 1 {
		return fmt.Errorf("invalid COOLDOWN_FACTOR value %v: must be at least 1", c.Cooldown.Factor)
	}
	if c.Cooldown.Ceiling < c.Cooldown.Baseline {
		return fmt.Errorf("invalid COOLDOWN_CEILING value %s: below baseline %s", c.Cooldown.Ceiling, c.Cooldown.Baseline)
	}
	if c.Avatar.PollInterval <= 0 || c.Avatar.Timeout <= 0 {
		return fmt.Errorf("avatar poll interval and timeout must be positive")
	}
	if c.Avatar.SubmitRetries < 0 {
		return fmt.Errorf("invalid AVATAR_SUBMIT_RETRIES value %d", c.Avatar.SubmitRetries)
	}
	if c.Narration.MaxChars <= 0 {
		return fmt.Errorf("invalid NARRATION_MAX_CHARS value %d: must be positive", c.Narration.MaxChars)
	}
	return nil
}

// Enabled 表示是否提供了必需的密钥。
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// AvatarReady 表示数字人视频所需的地址与密钥是否齐全。
func (c AvatarConfig) AvatarReady() bool {
	return c.Enabled && c.Endpoint != "" && c.APIKey != ""
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig(cfg *Config) error {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		addr, err := parseAddr(port)
		if err != nil {
			return err
		}
		cfg.Server.Addr = addr
	}

	if origins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); origins != "" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}

	return overrideDuration(&cfg.Server.ShutdownTimeout, "SHUTDOWN_TIMEOUT")
}

func parseAddr(port string) (string, error) {
	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid PORT value %q: %w", port, err)
	}
	return ":" + port, nil
}

func loadChatConfig(cfg *Config) error {
	c := &cfg.Chat
	overrideString(&c.Provider, "CHAT_PROVIDER")
	c.Provider = strings.ToLower(c.Provider)
	overrideString(&c.Model, "CHAT_MODEL")
	overrideString(&c.APIKey, "GROQ_API_KEY")
	overrideString(&c.BaseURL, "GROQ_BASE_URL")
	if err := overrideBool(&c.ValidateOnStart, "CHAT_VALIDATE_ON_START"); err != nil {
		return err
	}

	overrideString(&c.Ark.APIKey, "ARK_API_KEY")
	overrideString(&c.Ark.AccessKey, "ARK_ACCESS_KEY")
	overrideString(&c.Ark.SecretKey, "ARK_SECRET_KEY")
	overrideString(&c.Ark.Model, "ARK_MODEL")
	overrideString(&c.Ark.BaseURL, "ARK_BASE_URL")
	overrideString(&c.Ark.Region, "ARK_REGION")

	temperature, err := parseOptionalFloat32Env("ARK_TEMPERATURE")
	if err != nil {
		return err
	}
	if temperature != nil {
		c.Ark.Temperature = temperature
	}

	topP, err := parseOptionalFloat32Env("ARK_TOP_P")
	if err != nil {
		return err
	}
	if topP != nil {
		c.Ark.TopP = topP
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return err
	}
	if maxTokens != nil {
		c.Ark.MaxTokens = maxTokens
	}
	return nil
}

func loadSpeechConfig(cfg *Config) error {
	s := &cfg.Speech
	if err := overrideBool(&s.PremiumEnabled, "SPEECH_PREMIUM_ENABLED"); err != nil {
		return err
	}
	overrideString(&s.PremiumModel, "SPEECH_PREMIUM_MODEL")
	overrideString(&s.PremiumVoice, "SPEECH_PREMIUM_VOICE")
	overrideString(&s.ResponseFormat, "SPEECH_RESPONSE_FORMAT")
	if err := overrideBool(&s.BasicEnabled, "SPEECH_BASIC_ENABLED"); err != nil {
		return err
	}
	overrideString(&s.BasicVoice, "SPEECH_BASIC_VOICE")
	return nil
}

func loadAvatarConfig(cfg *Config) error {
	a := &cfg.Avatar
	overrideString(&a.Endpoint, "AZURE_SPEECH_ENDPOINT")
	overrideString(&a.APIKey, "AZURE_SPEECH_KEY")

	// 提供了密钥时默认启用。
	a.Enabled = a.Enabled || (a.Endpoint != "" && a.APIKey != "")
	if err := overrideBool(&a.Enabled, "AVATAR_ENABLED"); err != nil {
		return err
	}

	for key, field := range map[string]*time.Duration{
		"AVATAR_POLL_INTERVAL":   &a.PollInterval,
		"AVATAR_TIMEOUT":         &a.Timeout,
		"AVATAR_RETRY_BACKOFF":   &a.RetryBackoff,
		"AVATAR_REQUEST_TIMEOUT": &a.RequestTimeout,
	} {
		if err := overrideDuration(field, key); err != nil {
			return err
		}
	}
	return overrideInt(&a.SubmitRetries, "AVATAR_SUBMIT_RETRIES")
}

func loadNarrationConfig(cfg *Config) error {
	return overrideInt(&cfg.Narration.MaxChars, "NARRATION_MAX_CHARS")
}

func loadCooldownConfig(cfg *Config) error {
	c := &cfg.Cooldown
	if err := overrideDuration(&c.Baseline, "COOLDOWN_BASELINE"); err != nil {
		return err
	}
	if err := overrideDuration(&c.Ceiling, "COOLDOWN_CEILING"); err != nil {
		return err
	}

	factor, err := parseOptionalFloatEnv("COOLDOWN_FACTOR")
	if err != nil {
		return err
	}
	if factor != nil {
		c.Factor = *factor
	}
	return nil
}

func loadStoreConfig(cfg *Config) error {
	s := &cfg.Store
	overrideString(&s.RedisAddr, "REDIS_ADDR")
	overrideString(&s.RedisUsername, "REDIS_USERNAME")
	overrideString(&s.RedisPassword, "REDIS_PASSWORD")
	if err := overrideInt(&s.RedisDB, "REDIS_DB"); err != nil {
		return err
	}
	if err := overrideDuration(&s.JobRetention, "JOB_RETENTION"); err != nil {
		return err
	}
	return overrideInt(&s.MediaMaxBytes, "MEDIA_MAX_BYTES")
}

func loadMoodConfig(cfg *Config) error {
	m := &cfg.Mood
	if err := overrideBool(&m.LLMEnabled, "MOOD_LLM_ENABLED"); err != nil {
		return err
	}
	if err := overrideInt(&m.HistoryLimit, "MOOD_HISTORY_LIMIT"); err != nil {
		return err
	}
	if m.HistoryLimit < 1 {
		m.HistoryLimit = 1
	}
	return nil
}

func loadObservabilityConfig(cfg *Config) error {
	overrideString(&cfg.Observability.ServiceName, "OTEL_SERVICE_NAME")
	return overrideBool(&cfg.Observability.MetricsEnabled, "METRICS_ENABLED")
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func overrideString(field *string, key string) {
	*field = getEnvOrDefault(key, *field)
}

func overrideBool(field *bool, key string) error {
	val, err := parseBoolEnv(key, *field)
	if err != nil {
		return err
	}
	*field = val
	return nil
}

func overrideInt(field *int, key string) error {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return err
	}
	if val != nil {
		*field = *val
	}
	return nil
}

func overrideDuration(field *time.Duration, key string) error {
	val, err := parseOptionalDurationEnv(key)
	if err != nil {
		return err
	}
	if val != nil {
		*field = *val
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}

// parseOptionalDurationEnv 接受 "5s"、"3m" 形式，纯数字按秒解析。
func parseOptionalDurationEnv(key string) (*time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	if secs, err := strconv.Atoi(value); err == nil {
		d := time.Duration(secs) * time.Second
		return &d, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &d, nil
}
