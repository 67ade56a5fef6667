package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/franz/bundle-store/internal/util"
)

var (
	// Version is set at build time
	Version = "dev"

	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "bls",
		Short: "Bundle store - manage bundles, worksheets and access groups",
		Long: `bls manages a SQLite bundle store: immutable bundles linked by dependency
edges, worksheets that list them, and groups that grant read or all
permission on either.

Every command acts as the user given by --user. The root user sees and
changes everything; an empty user is anonymous and sees only what the
public group can read.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.SetVerbose(viper.GetBool("verbose"))
			util.SetQuiet(viper.GetBool("quiet"))
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./bls.yaml)")
	flags.String("db", "bundles.db", "bundle store database file")
	flags.StringP("user", "u", "", "user to act as (empty for anonymous)")
	flags.String("root-user", "0", "user id with unrestricted access")
	flags.String("events", "", "directory for the JSONL audit log (disabled when empty)")
	flags.String("event-level", "info", "minimum audit event level (debug, info, warning, error)")
	flags.Bool("network-fs", false, "tune SQLite for a database on NFS/SMB")
	flags.BoolP("verbose", "v", false, "verbose output")
	flags.BoolP("quiet", "q", false, "quiet output (errors only)")

	for _, name := range []string{"db", "user", "root-user", "events", "event-level", "network-fs", "verbose", "quiet"} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("bls")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BLS")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && !viper.GetBool("quiet") {
		util.DebugLog("Using config file: %s", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
