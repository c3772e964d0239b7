// Command dispatch is the dispatch CLI client.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/dispatch/internal/version"
)

const defaultServer = "http://localhost:9090"

var (
	serverURL string
	token     string
	cli       *Client
)

var rootCmd = &cobra.Command{
	Use:           "dispatch",
	Short:         "dispatch CLI",
	Long:          "dispatch talks to a dispatchd server: create tasks, discover and claim work, hand it off.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		cli = &Client{
			BaseURL:    strings.TrimRight(serverURL, "/"),
			Token:      token,
			HTTPClient: &http.Client{},
			Timeout:    15 * time.Second,
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version",
	Args:  cobra.NoArgs,
	Run: func(*cobra.Command, []string) {
		fmt.Printf("dispatch %s\n", version.String())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "show server status",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		var result map[string]any
		if err := cli.get("/api/status", &result); err != nil {
			return err
		}
		fmt.Printf("status:  %s\n", strVal(result["status"]))
		fmt.Printf("version: %s\n", strVal(result["version"]))
		fmt.Printf("workers: %s\n", strVal(result["workers"]))
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <username> <password>",
	Short: "log in as admin and print the token",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		var resp struct {
			Token string `json:"token"`
		}
		if err := cli.post("/api/auth/login", map[string]string{"username": args[0], "password": args[1]}, &resp); err != nil {
			return err
		}
		fmt.Println(resp.Token)
		return nil
	},
}

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <worker>",
	Short: "mint a worker token (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		body := map[string]any{"worker": args[0]}
		if tokenTTL > 0 {
			body["ttl_seconds"] = int64(tokenTTL.Seconds())
		}
		var resp struct {
			Token string `json:"token"`
		}
		if err := cli.post("/api/auth/tokens", body, &resp); err != nil {
			return err
		}
		fmt.Println(resp.Token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("DISPATCH_SERVER", defaultServer), "server URL (or $DISPATCH_SERVER)")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("DISPATCH_TOKEN"), "JWT auth token (or $DISPATCH_TOKEN)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (server default when zero)")

	rootCmd.AddCommand(versionCmd, statusCmd, loginCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// --- helpers ---

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func strVal(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

var titleCaser = cases.Title(language.English)

// humanize turns a wire enum such as "in_progress" into "In Progress".
func humanize(s string) string {
	return titleCaser.String(strings.ReplaceAll(s, "_", " "))
}
