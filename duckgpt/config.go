//nolint:lll // struct tags can't be split
package duckgpt

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "DUCKGPT_ENV_PREFIX"
	DefaultEnvPrefix   = "DG"

	// EnvvarLegacyDiscordToken is also checked for the bot token, in
	// addition to the prefixed variable.
	EnvvarLegacyDiscordToken = "DISCORD_TOKEN"

	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordGuildID       = "1175184892225671258"
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds
	DefaultDiscordFooter        = "Made by @DuckyBlender"

	DefaultOllamaHost     = "http://127.0.0.1:11434"
	DefaultOllamaLogLevel = slog.LevelInfo
	DefaultOllamaTimeout  = 5 * time.Minute

	DefaultComfyUIHost     = "http://127.0.0.1:8188"
	DefaultComfyUILogLevel = slog.LevelInfo
	DefaultComfyUITimeout  = 5 * time.Minute

	DefaultCooldownLLM   = 10 * time.Second
	DefaultCooldownImg   = 10 * time.Second
	DefaultCooldownStats = 1 * time.Second

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	DefaultAPISystemStatsPerSecond = 1.0
)

var structValidator = validator.New()

type Config struct {
	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long Run may take to open the gateway
	// connection before giving up.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	Discord  *DiscordConfig  `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	Ollama   *OllamaConfig   `yaml:"ollama" mapstructure:"ollama" json:"ollama" binding:"required"`
	ComfyUI  *ComfyUIConfig  `yaml:"comfyui" mapstructure:"comfyui" json:"comfyui" binding:"required"`
	Cooldown *CooldownConfig `yaml:"cooldown" mapstructure:"cooldown" json:"cooldown" binding:"required"`
	API      *APIConfig      `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Discord application ID. When empty, the ID of the bot user from the
	// gateway's Ready event is used.
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID is the guild slash commands are registered in.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required,numeric"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Footer is the attribution prefix shown on every embed
	Footer string `yaml:"footer" mapstructure:"footer" json:"footer" binding:"required"`

	httpClient *http.Client
}

// OllamaConfig configures the text-generation backend
type OllamaConfig struct {
	Host     string         `yaml:"host" mapstructure:"host" json:"host" binding:"required,url"`
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Timeout for the HTTP client. Zero means the client never times out.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=0"`
}

// ComfyUIConfig configures the image-generation backend
type ComfyUIConfig struct {
	Host     string         `yaml:"host" mapstructure:"host" json:"host" binding:"required,url"`
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Timeout for HTTP requests and the websocket handshake. Zero means
	// requests never time out.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=0"`
}

// CooldownConfig sets the per-user window for each slash command
type CooldownConfig struct {
	LLM   time.Duration `yaml:"llm" mapstructure:"llm" json:"llm" binding:"min=0"`
	Img   time.Duration `yaml:"img" mapstructure:"img" json:"img" binding:"min=0"`
	Stats time.Duration `yaml:"stats" mapstructure:"stats" json:"stats" binding:"min=0"`
}

// Windows returns the cooldown for each command, keyed by command name
func (c CooldownConfig) Windows() map[string]time.Duration {
	return map[string]time.Duration{
		DiscordSlashCommandLLM:   c.LLM,
		DiscordSlashCommandImg:   c.Img,
		DiscordSlashCommandStats: c.Stats,
	}
}

// APIConfig configures the local status API
type APIConfig struct {
	// Enabled starts the status API alongside the bot
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Origins allowed to read the API from a browser
	CORSAllowOrigins []string `yaml:"cors_allow_origins" mapstructure:"cors_allow_origins" json:"cors_allow_origins"`

	// Pprof registers the runtime profiling endpoints under /debug/pprof
	Pprof bool `yaml:"pprof" mapstructure:"pprof" json:"pprof"`

	// SystemStatsPerSecond limits how often the API proxies a system stats
	// request to ComfyUI.
	SystemStatsPerSecond float64 `yaml:"system_stats_per_second" mapstructure:"system_stats_per_second" json:"system_stats_per_second" binding:"gt=0"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	ollamaLogLevel := &slog.LevelVar{}
	comfyLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	ollamaLogLevel.Set(DefaultOllamaLogLevel)
	comfyLogLevel.Set(DefaultComfyUILogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		LogLevel:       mainLogLevel,
		StartupTimeout: DefaultStartupTimeout,
		Discord: &DiscordConfig{
			GuildID:           DefaultDiscordGuildID,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			Footer:            DefaultDiscordFooter,
		},
		Ollama: &OllamaConfig{
			Host:     DefaultOllamaHost,
			LogLevel: ollamaLogLevel,
			Timeout:  DefaultOllamaTimeout,
		},
		ComfyUI: &ComfyUIConfig{
			Host:     DefaultComfyUIHost,
			LogLevel: comfyLogLevel,
			Timeout:  DefaultComfyUITimeout,
		},
		Cooldown: &CooldownConfig{
			LLM:   DefaultCooldownLLM,
			Img:   DefaultCooldownImg,
			Stats: DefaultCooldownStats,
		},
		API: &APIConfig{
			Listen:               DefaultAPIListen,
			LogLevel:             apiLogLevel,
			CORSAllowOrigins:     []string{},
			SystemStatsPerSecond: DefaultAPISystemStatsPerSecond,
			ReadTimeout:          DefaultReadTimeout,
			ReadHeaderTimeout:    DefaultReadHeaderTimeout,
			WriteTimeout:         DefaultWriteTimeout,
			IdleTimeout:          DefaultIdleTimeout,
		},
	}
}

//nolint:gochecknoinits // validator tag name
func init() {
	structValidator.SetTagName("binding")
}
