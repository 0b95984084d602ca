package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trafficgw/internal/agent/app"
	"trafficgw/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:          "trafficgw-agent",
	Short:        "capture HTTP traffic off an interface and report it to the gateway",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := logging.New(logging.Config{
			Level:  viper.GetString("log-level"),
			Format: viper.GetString("log-format"),
		})
		if err != nil {
			return err
		}
		ports, err := parsePorts(viper.GetIntSlice("port"))
		if err != nil {
			return err
		}
		cfg := app.Config{
			Interface:      viper.GetString("interface"),
			Server:         viper.GetString("server"),
			Ports:          ports,
			RequestTimeout: viper.GetDuration("request-timeout"),
			PostTimeout:    viper.GetDuration("post-timeout"),
			BatchSize:      viper.GetInt("batch-size"),
			FlushInterval:  viper.GetDuration("flush-interval"),
			AccountID:      viper.GetString("account-id"),
			VxlanID:        viper.GetString("vxlan-id"),
			EnableEBPF:     viper.GetBool("ebpf"),
		}
		if cfg.Interface == "" || cfg.Server == "" {
			return fmt.Errorf("--interface and --server are required")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := app.Run(ctx, cfg, log); err != nil {
			return err
		}
		log.Info("agent stopped")
		return nil
	},
}

func parsePorts(in []int) ([]uint16, error) {
	out := make([]uint16, 0, len(in))
	for _, p := range in {
		if p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid port %d", p)
		}
		out = append(out, uint16(p))
	}
	return out, nil
}

func init() {
	f := rootCmd.Flags()
	f.String("interface", "", "interface to capture on (eth0, vethXXX, any)")
	f.String("server", "", "gateway base URL, e.g. http://127.0.0.1:8080")
	f.IntSlice("port", []int{80}, "HTTP server port to watch (repeatable)")
	f.Duration("request-timeout", 30*time.Second, "evict unanswered requests after")
	f.Duration("post-timeout", 5*time.Second, "timeout for one report POST")
	f.Int("batch-size", 100, "records per report")
	f.Duration("flush-interval", 2*time.Second, "report partial batches after")
	f.String("account-id", "1000000", "akto_account_id for captured records")
	f.String("vxlan-id", "0", "akto_vxlan_id for captured records")
	f.Bool("ebpf", false, "resolve process ids with an eBPF tracepoint")
	f.String("log-level", "info", "debug, info, warn or error")
	f.String("log-format", "text", "text or json")
	_ = viper.BindPFlags(f)

	cobra.OnInitialize(func() {
		_ = godotenv.Load()
		viper.SetEnvPrefix("TRAFFICGW_AGENT")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
