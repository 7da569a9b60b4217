package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"gemini-relay/internal/config"
)

var statusKeyPrefix string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the key pool status of a running server",
	Long: `Query the /status endpoint of a running gemini-relay server. With --key,
show masked per-key details for keys matching the given prefix.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusKeyPrefix, "key", "", "show details for keys matching this prefix")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	configPath := cfgFile
	if configPath == "" {
		configPath = findConfigFileForStatus()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	statusURL := fmt.Sprintf("http://localhost:%d/status", cfg.Port)
	if statusKeyPrefix != "" {
		statusURL += "?key=" + url.QueryEscape(statusKeyPrefix)
	}

	client := &http.Client{Timeout: 5 * time.Second}

	//nolint:noctx // one-shot CLI query
	resp, err := client.Get(statusURL)
	if err != nil {
		fmt.Printf("✗ gemini-relay is not running (port %d)\n", cfg.Port)
		return fmt.Errorf("server not reachable: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read status response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		fmt.Printf("✗ gemini-relay returned status %d\n", resp.StatusCode)
		fmt.Println(string(body))
		return fmt.Errorf("status query failed with status %d", resp.StatusCode)
	}

	if statusKeyPrefix != "" {
		printKeyDetails(body)
		return nil
	}

	printPoolStatus(body)
	return nil
}

func printPoolStatus(body []byte) {
	doc := gjson.ParseBytes(body)

	fmt.Printf("keys: %d total, %d available, %d suspended\n",
		doc.Get("total_keys").Int(),
		doc.Get("available_keys").Int(),
		doc.Get("suspended_keys").Int())

	doc.Get("tiers").ForEach(func(tier, stats gjson.Result) bool {
		fmt.Printf("  %s: %d active, %d available, %d suspended\n",
			tier.String(),
			stats.Get("active").Int(),
			stats.Get("available").Int(),
			stats.Get("suspended").Int())
		return true
	})

	fmt.Printf("requests: %d successful, %d failed\n",
		doc.Get("total_successful_requests").Int(),
		doc.Get("total_failed_requests").Int())
	fmt.Printf("free tier failures: %d / %d\n",
		doc.Get("free_key_consecutive_failures").Int(),
		doc.Get("max_free_key_failures").Int())

	if dist := doc.Get("error_distribution"); dist.Exists() && len(dist.Map()) > 0 {
		fmt.Println("errors by code:")
		dist.ForEach(func(code, count gjson.Result) bool {
			fmt.Printf("  %s: %d\n", code.String(), count.Int())
			return true
		})
	}
}

func printKeyDetails(body []byte) {
	gjson.ParseBytes(body).ForEach(func(_, detail gjson.Result) bool {
		fmt.Printf("%s (%s)\n", detail.Get("key").String(), detail.Get("tier").String())
		fmt.Printf("  active: %v  suspended: %v\n",
			detail.Get("is_active").Bool(), detail.Get("is_suspended").Bool())
		fmt.Printf("  requests: %d total, %d ok, %d failed, %d today\n",
			detail.Get("total_requests").Int(),
			detail.Get("successful_requests").Int(),
			detail.Get("failed_requests").Int(),
			detail.Get("requests_today").Int())
		if code := detail.Get("last_error_code"); code.Exists() {
			fmt.Printf("  last error: %d at %s\n", code.Int(), detail.Get("last_error_time").String())
		}
		return true
	})
}

// findConfigFileForStatus duplicates findConfigFile to keep subcommands
// free of shared state.
func findConfigFileForStatus() string {
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		p := filepath.Join(home, ".config", "gemini-relay", defaultConfigFile)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return defaultConfigFile
}
