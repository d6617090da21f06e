package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "flowreg",
	Short: "Process-local flow registry",
	Long: `Flowreg keeps an exact-match registry of active flows for the
components of a single node: sub-microsecond lookups, negative-lookup
filtering, and coordination over local channels.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/flowreg/flowreg.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath("/etc/flowreg")
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("flowreg")
	}

	viper.SetEnvPrefix("FLOWREG")
	viper.AutomaticEnv()

	viper.ReadInConfig()
}
