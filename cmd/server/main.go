package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trafficgw/internal/logging"
	"trafficgw/internal/server/app"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "trafficgw",
	Short:        "trafficgw: HTTP traffic ingestion gateway",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := logging.New(logging.Config{
			Level:  viper.GetString("log.level"),
			Format: viper.GetString("log.format"),
		})
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg := app.Config{
			Listen: viper.GetString("listen"),
			Queue: app.QueueConfig{
				URL:         viper.GetString("queue.url"),
				Name:        viper.GetString("queue.name"),
				Token:       viper.GetString("queue.token"),
				SendTimeout: viper.GetDuration("queue.send_timeout"),
			},
			ShutdownTimeout: viper.GetDuration("shutdown_timeout"),
			MaxBodyBytes:    viper.GetInt64("max_body_bytes"),
			MetricsListen:   viper.GetString("metrics.listen"),
			ACME: app.ACMEConfig{
				Enable:   viper.GetBool("tls.acme.enable"),
				Domains:  viper.GetStringSlice("tls.acme.domains"),
				Email:    viper.GetString("tls.acme.email"),
				CacheDir: viper.GetString("tls.acme.cache_dir"),
				CA:       viper.GetString("tls.acme.ca"),
			},
		}
		if cfg.ACME.Enable && (cfg.Listen == app.DefaultListen || cfg.Listen == "") {
			cfg.Listen = ":443"
		}

		srv, err := app.NewServer(ctx, cfg, log)
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	f.String("listen", app.DefaultListen, "listen address")
	f.String("queue-url", "", "queue binding (memory://, redis://, https://, sqlite://, duckdb://, postgres://, clickhouse://)")
	f.String("queue-name", app.DefaultQueueName, "queue name")
	f.String("queue-token", "", "bearer token for http queue bindings")
	f.Duration("send-timeout", 0, "bound on one background queue send (default 30s)")
	f.Duration("shutdown-timeout", 0, "bound on draining pending sends at shutdown (default 15s)")
	f.Int64("max-body-bytes", app.DefaultMaxBodyBytes, "request body limit")
	f.String("metrics-listen", ":9090", "prometheus listen address, empty disables")
	f.String("log-level", "info", "debug, info, warn or error")
	f.String("log-format", "text", "text or json")
	f.Bool("acme", false, "enable Let's Encrypt")
	f.StringSlice("acme-domain", nil, "domain to obtain a certificate for (repeatable)")
	f.String("acme-email", "", "ACME email")
	f.String("acme-cache", "cert-cache", "ACME cache dir")
	f.String("acme-ca", "production", "production, staging or a directory URL")

	_ = viper.BindPFlag("listen", f.Lookup("listen"))
	_ = viper.BindPFlag("queue.url", f.Lookup("queue-url"))
	_ = viper.BindPFlag("queue.name", f.Lookup("queue-name"))
	_ = viper.BindPFlag("queue.token", f.Lookup("queue-token"))
	_ = viper.BindPFlag("queue.send_timeout", f.Lookup("send-timeout"))
	_ = viper.BindPFlag("shutdown_timeout", f.Lookup("shutdown-timeout"))
	_ = viper.BindPFlag("max_body_bytes", f.Lookup("max-body-bytes"))
	_ = viper.BindPFlag("metrics.listen", f.Lookup("metrics-listen"))
	_ = viper.BindPFlag("log.level", f.Lookup("log-level"))
	_ = viper.BindPFlag("log.format", f.Lookup("log-format"))
	_ = viper.BindPFlag("tls.acme.enable", f.Lookup("acme"))
	_ = viper.BindPFlag("tls.acme.domains", f.Lookup("acme-domain"))
	_ = viper.BindPFlag("tls.acme.email", f.Lookup("acme-email"))
	_ = viper.BindPFlag("tls.acme.cache_dir", f.Lookup("acme-cache"))
	_ = viper.BindPFlag("tls.acme.ca", f.Lookup("acme-ca"))

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	_ = godotenv.Load()

	viper.SetEnvPrefix("TRAFFICGW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("queue.url", "TRAFFICGW_QUEUE_URL", "AKTO_TRAFFIC_QUEUE")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("trafficgw")
		viper.AddConfigPath(".")
		if home, _ := os.UserHomeDir(); home != "" {
			viper.AddConfigPath(filepath.Join(home, ".trafficgw"))
		}
		viper.AddConfigPath("/etc/trafficgw")
	}
	_ = viper.ReadInConfig()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
