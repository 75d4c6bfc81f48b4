package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Database DatabaseConfig `mapstructure:"database"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	DID      DIDConfig      `mapstructure:"did"`
	Avatar   AvatarConfig   `mapstructure:"avatar"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Queue    QueueConfig    `mapstructure:"queue"`
}

type ServerConfig struct {
	Port       string `mapstructure:"port" validate:"required"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	PosterDir  string `mapstructure:"poster_dir"`  // 海报输出目录
	PosterFont string `mapstructure:"poster_font"` // 海报标题字体（ttf），留空使用内置 Go 字体，不含中日文字形
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error fatal"`
	Format     string `mapstructure:"format" validate:"oneof=json text"`   // json 或 text
	Output     string `mapstructure:"output" validate:"oneof=stdout file"` // stdout 或 file
	Dir        string `mapstructure:"dir"`                                 // 文件输出目录
	MaxSize    int    `mapstructure:"max_size"`                            // 兆字节
	MaxBackups int    `mapstructure:"max_backups"`                         // 备份数量
	MaxAge     int    `mapstructure:"max_age"`                             // 天数
	Compress   bool   `mapstructure:"compress"`                            // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret" validate:"required"` // JWT 密钥
	ExpireTime int    `mapstructure:"expire_time" validate:"gt=0"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`                     // 签发者
}

// DatabaseConfig 持久化配置，driver 为 sqlite 或 supabase
type DatabaseConfig struct {
	Driver      string `mapstructure:"driver" validate:"oneof=sqlite supabase"`
	Path        string `mapstructure:"path"`
	SupabaseURL string `mapstructure:"supabase_url" validate:"required_if=Driver supabase"`
	SupabaseKey string `mapstructure:"supabase_key" validate:"required_if=Driver supabase"`
}

// OpenAIConfig 语音合成服务配置
type OpenAIConfig struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url" validate:"required,url"`
	Model          string `mapstructure:"model" validate:"required"`
	Voice          string `mapstructure:"voice" validate:"required"`
	ResponseFormat string `mapstructure:"response_format" validate:"oneof=mp3 wav opus aac flac"`
	Timeout        int    `mapstructure:"timeout" validate:"gt=0"` // 秒
}

// DIDConfig 数字人视频服务配置
type DIDConfig struct {
	APIKey          string `mapstructure:"api_key"`
	BaseURL         string `mapstructure:"base_url" validate:"required,url"`
	Timeout         int    `mapstructure:"timeout" validate:"gt=0"`           // 单次请求超时（秒）
	PollInterval    int    `mapstructure:"poll_interval" validate:"gt=0"`     // 轮询间隔（秒）
	PollMaxAttempts int    `mapstructure:"poll_max_attempts" validate:"gt=0"` // 最大轮询次数
	TextVoice       string `mapstructure:"text_voice"`                        // 文本模式下使用的 microsoft 语音
	Stitch          bool   `mapstructure:"stitch"`
}

// AvatarConfig 讲师形象图片，fallbacks 的顺序即重试顺序
type AvatarConfig struct {
	Primary   string   `mapstructure:"primary" json:"primary" validate:"required,url"`
	Fallbacks []string `mapstructure:"fallbacks" json:"fallbacks" validate:"dive,url"`
}

type RetryConfig struct {
	MaxRetries         int  `mapstructure:"max_retries" validate:"gte=0"`
	RetryDelayMs       int  `mapstructure:"retry_delay_ms" validate:"gt=0"`
	ExponentialBackoff bool `mapstructure:"exponential_backoff"`
}

// RetryDelay 以 time.Duration 返回重试间隔
func (r RetryConfig) RetryDelay() time.Duration {
	return time.Duration(r.RetryDelayMs) * time.Millisecond
}

type PipelineConfig struct {
	Mode         string      `mapstructure:"mode" validate:"oneof=audio text"` // audio: 先合成语音；text: 直接交给数字人服务
	SpeakingRate float64     `mapstructure:"speaking_rate" validate:"gt=0"`    // 每秒字符数，用于估算时长
	SpeechRetry  RetryConfig `mapstructure:"speech_retry"`
	VideoRetry   RetryConfig `mapstructure:"video_retry"`
}

type QueueConfig struct {
	Concurrency     int    `mapstructure:"concurrency" validate:"gte=1"`
	PollInterval    int    `mapstructure:"poll_interval" validate:"gt=0"` // 秒
	CleanupSchedule string `mapstructure:"cleanup_schedule" validate:"required"`
	RetentionDays   int    `mapstructure:"retention_days" validate:"gt=0"`
}

// Load 读取配置；配置文件由 cmd 层负责加载，这里只做默认值、解码和校验
func Load() (*Config, error) {
	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解码配置: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// MustLoad 与 Load 相同，失败时直接退出
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("%v", err)
	}
	return cfg
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", "5000")
	viper.SetDefault("server.poster_dir", "data/posters")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.dir", "data/logs")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// JWT默认配置
	viper.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	viper.SetDefault("jwt.expire_time", 24) // 24小时
	viper.SetDefault("jwt.issuer", "avatar-studio")

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.path", "data/avatar-studio.db")
	_ = viper.BindEnv("database.supabase_url", "SUPABASE_URL")
	_ = viper.BindEnv("database.supabase_key", "SUPABASE_SERVICE_KEY")

	_ = viper.BindEnv("openai.api_key", "OPENAI_API_KEY")
	viper.SetDefault("openai.base_url", "https://api.openai.com/v1")
	viper.SetDefault("openai.model", "tts-1")
	viper.SetDefault("openai.voice", "alloy")
	viper.SetDefault("openai.response_format", "mp3")
	viper.SetDefault("openai.timeout", 60)

	_ = viper.BindEnv("did.api_key", "DID_API_KEY")
	viper.SetDefault("did.base_url", "https://api.d-id.com")
	viper.SetDefault("did.timeout", 30)
	viper.SetDefault("did.poll_interval", 10)
	viper.SetDefault("did.poll_max_attempts", 60)
	viper.SetDefault("did.text_voice", "ja-JP-NanamiNeural")
	viper.SetDefault("did.stitch", true)

	_ = viper.BindEnv("avatar.primary", "AVATAR_PRIMARY")
	_ = viper.BindEnv("avatar.fallbacks", "AVATAR_FALLBACKS")
	viper.SetDefault("avatar.primary", "https://create-images-results.d-id.com/DefaultPresenters/Noelle_f/image.jpeg")
	viper.SetDefault("avatar.fallbacks", []string{
		"https://create-images-results.d-id.com/DefaultPresenters/Amy_f/image.jpeg",
		"https://create-images-results.d-id.com/DefaultPresenters/William_m/image.jpeg",
	})

	viper.SetDefault("pipeline.mode", "audio")
	viper.SetDefault("pipeline.speaking_rate", 10.0)
	for _, key := range []string{"pipeline.speech_retry", "pipeline.video_retry"} {
		viper.SetDefault(key+".max_retries", 3)
		viper.SetDefault(key+".retry_delay_ms", 1000)
		viper.SetDefault(key+".exponential_backoff", true)
	}

	viper.SetDefault("queue.concurrency", 2)
	viper.SetDefault("queue.poll_interval", 2)
	viper.SetDefault("queue.cleanup_schedule", "0 3 * * *")
	viper.SetDefault("queue.retention_days", 30)
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	v := validator.New()
	if err := v.Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s 不合法 (%s)", verrs[0].Namespace(), verrs[0].Tag())
		}
		return err
	}
	return nil
}

// WatchAvatars 监听配置文件变化，讲师形象配置变更时回调
func WatchAvatars(onChange func(AvatarConfig, error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		var avatars AvatarConfig
		if err := viper.UnmarshalKey("avatar", &avatars); err != nil {
			onChange(AvatarConfig{}, err)
			return
		}
		if err := validator.New().Struct(avatars); err != nil {
			onChange(AvatarConfig{}, err)
			return
		}
		onChange(avatars, nil)
	})
	viper.WatchConfig()
}
