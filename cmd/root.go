package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/duckyblender/duckgpt/duckgpt"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = duckgpt.DefaultConfig()
	configFile string
)

// keys holding log levels, converted to *slog.LevelVar when decoded
var logLevelKeys = []string{
	"log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"ollama.log_level",
	"comfyui.log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:          "duckgpt [flags]",
	Short:        "Discord bot serving /llm, /img and /stats from local ollama and ComfyUI servers",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cfg)
	},
}

// loadConfig decodes the current viper settings into c
func loadConfig(c *duckgpt.Config) error {
	err := viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	return nil
}

// LevelToStringHookFunc decodes level names ("INFO", "debug", ...) into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvl, nil
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func Execute() {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

func envPrefix() string {
	if p := os.Getenv(duckgpt.EnvvarSetEnvPrefix); p != "" {
		return p
	}
	return duckgpt.DefaultEnvPrefix
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else if err := godotenv.Load(configFile); err != nil {
		log.Printf("unable to load env file %s: %v", configFile, err)
	}

	defaults := duckgpt.DefaultConfig()

	viper.SetDefault("log_level", duckgpt.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", defaults.StartupTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", defaults.Discord.GuildID)
	viper.SetDefault("discord.log_level", duckgpt.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		duckgpt.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", int(defaults.Discord.GatewayIntents))
	viper.SetDefault("discord.footer", defaults.Discord.Footer)

	// Backends
	viper.SetDefault("ollama.host", defaults.Ollama.Host)
	viper.SetDefault("ollama.log_level", duckgpt.DefaultOllamaLogLevel.String())
	viper.SetDefault("ollama.timeout", defaults.Ollama.Timeout)

	viper.SetDefault("comfyui.host", defaults.ComfyUI.Host)
	viper.SetDefault("comfyui.log_level", duckgpt.DefaultComfyUILogLevel.String())
	viper.SetDefault("comfyui.timeout", defaults.ComfyUI.Timeout)

	// Cooldowns
	viper.SetDefault("cooldown.llm", defaults.Cooldown.LLM)
	viper.SetDefault("cooldown.img", defaults.Cooldown.Img)
	viper.SetDefault("cooldown.stats", defaults.Cooldown.Stats)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", defaults.API.Listen)
	viper.SetDefault("api.log_level", duckgpt.DefaultAPILogLevel.String())
	viper.SetDefault("api.cors_allow_origins", []string{})
	viper.SetDefault("api.pprof", false)
	viper.SetDefault("api.system_stats_per_second", defaults.API.SystemStatsPerSecond)
	viper.SetDefault("api.read_timeout", defaults.API.ReadTimeout)
	viper.SetDefault("api.read_header_timeout", defaults.API.ReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", defaults.API.WriteTimeout)
	viper.SetDefault("api.idle_timeout", defaults.API.IdleTimeout)

	prefix := envPrefix()
	viper.SetEnvPrefix(prefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// the prefixed variable wins over the bare DISCORD_TOKEN
	if err := viper.BindEnv(
		"discord.token",
		prefix+"_DISCORD_TOKEN",
		duckgpt.EnvvarLegacyDiscordToken,
	); err != nil {
		log.Fatalf("error: %v", err)
	}

	viper.Set(
		"api.cors_allow_origins",
		viper.GetStringSlice("api.cors_allow_origins"),
	)

	for _, k := range logLevelKeys {
		if _, err := levelStringToLevelVar(viper.GetString(k)); err != nil {
			log.Fatalf("error parsing %s: %v", k, err)
		}
	}
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"env file to load settings from",
	)
}
