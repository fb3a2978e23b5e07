// Command bunstore inspects and maintains a bunstore data directory.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kartikbazzad/bunbase/bunstore"
	"github.com/kartikbazzad/bunbase/bunstore/config"
	"github.com/kartikbazzad/bunbase/bunstore/internal/logger"
)

var (
	cfgFile string
	dataDir string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "bunstore",
	Short:         "bunstore storage engine tools",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if dataDir != "" {
			c.DataDir = dataDir
		}
		logger.Init(logger.Config{Level: c.Log.Level, Format: c.Log.Format})
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "data directory, overrides the config")

	rootCmd.AddCommand(recoverCmd, validateCmd, walCmd, buildsCmd, statsCmd, metricsCmd, benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openDatabase(ctx context.Context) (*bunstore.Database, error) {
	return bunstore.Open(ctx, &bunstore.Options{Config: cfg})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
