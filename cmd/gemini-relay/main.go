// Package main is the entry point for gemini-relay.
package main

import (
	"context"
	"os"

	"charm.land/fang/v2"
	"github.com/spf13/cobra"
)

const defaultConfigFile = "config.yaml"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gemini-relay",
	Short: "Streaming chat gateway with a tiered API key pool",
	Long: `gemini-relay sits between a chat client and a Gemini-style streaming
endpoint, relaying SSE responses while rotating requests across a pool of
free and paid API keys with persistent per-key stats, rate windows, and
failure-driven suspensions.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file path (default: ./"+defaultConfigFile+")")
}

func main() {
	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		os.Exit(1)
	}
}
