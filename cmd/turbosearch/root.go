package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/houseofcat/turbosearch/pkg/tsc"
)

func init() {

	viper.SetEnvPrefix("TSC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().String("config", "", "path to a seasoning JSON file; flags override its values")
	rootCmd.PersistentFlags().StringSlice("uris", []string{"http://127.0.0.1:9200"}, "comma-separated list of cluster node URIs")
	rootCmd.PersistentFlags().Uint32("max-retries", 3, "maximum retry count per request")
	rootCmd.PersistentFlags().Uint32("timeout-millisecond", 10000, "per-attempt request timeout in milliseconds")
	rootCmd.PersistentFlags().String("strategy", "round-robin", "connection selection strategy: round-robin, random or sticky")
	rootCmd.PersistentFlags().Bool("sniff", false, "discover cluster topology on startup")

	_ = viper.BindPFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(sniffCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(bulkCmd)
}

// buildSeasoning assembles the service configuration from the config file (when
// given) and the flag/env values on top.
func buildSeasoning() (*tsc.SearchSeasoning, error) {

	var seasoning *tsc.SearchSeasoning

	if configPath := viper.GetString("config"); configPath != "" {
		loaded, err := tsc.ConvertJSONFileToConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("could not load config %s: %w", configPath, err)
		}
		seasoning = loaded
	} else {
		seasoning = &tsc.SearchSeasoning{}
	}

	if seasoning.PoolConfig == nil {
		seasoning.PoolConfig = &tsc.PoolConfig{}
	}
	if len(seasoning.PoolConfig.URIs) == 0 {
		seasoning.PoolConfig.URIs = viper.GetStringSlice("uris")
	}
	if seasoning.PoolConfig.SelectionStrategy == "" {
		seasoning.PoolConfig.SelectionStrategy = viper.GetString("strategy")
	}

	if seasoning.TransportConfig == nil {
		seasoning.TransportConfig = &tsc.TransportConfig{
			MaxRetryCount:          viper.GetUint32("max-retries"),
			RequestTimeoutInterval: viper.GetUint32("timeout-millisecond"),
		}
	}

	if seasoning.SnifferConfig == nil && viper.GetBool("sniff") {
		seasoning.SnifferConfig = &tsc.SnifferConfig{
			Enabled:      true,
			SniffOnStart: true,
		}
	}

	return seasoning, nil
}

func newService() (*tsc.SearchService, error) {

	seasoning, err := buildSeasoning()
	if err != nil {
		return nil, err
	}

	service, err := tsc.NewSearchService(seasoning)
	if err != nil {
		return nil, err
	}

	return service, nil
}
