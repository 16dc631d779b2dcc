package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "telemed",
	Short: "Telemedicine backend: accounts, doctor directory, chat, video signaling and diagnosis gateway",
	Long: `telemed serves the patient/doctor REST API and the realtime websocket channel
used for chat messages, presence updates and WebRTC signaling.

Configuration is read from ./config.yml (or --config) and TELEMED_* environment
variables, e.g. TELEMED_JWT_SECRET or TELEMED_STORE_DRIVER.`,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
}

// envKeys 需要从环境变量覆盖的配置项；viper 只会为已知键读取环境变量
var envKeys = []string{
	"server.host", "server.port",
	"store.driver", "store.auto_migrate",
	"database.host", "database.port", "database.user", "database.password", "database.name", "database.ssl_mode",
	"redis.enabled", "redis.host", "redis.port", "redis.password", "redis.db",
	"jwt.secret", "jwt.issuer", "jwt.access_ttl", "jwt.refresh_ttl",
	"inference.enabled", "inference.base_url", "inference.api_key",
	"seed.sample_users",
	"log.level", "log.format", "log.output",
	"monitoring.tracing.enabled", "monitoring.tracing.endpoint",
}

func initConfig() {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Println("Error reading env file:", err)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TELEMED")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Println("Error reading config file:", err)
		}
	}
}
