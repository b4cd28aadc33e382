// Command pseudonymctl runs the pseudonymity engine: the moderation API,
// the posting pipeline and the moderator tools.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"

	"github.com/karasz/pseudonym"
	"github.com/spf13/cobra"
)

var Version = "dev"

type globalFlags struct {
	configPath string
	envFile    string
	server     string
	token      string
	moderator  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// defaultModerator names the caller of local moderator commands in the audit log.
func defaultModerator() string {
	if m := os.Getenv("PSEUDONYM_MODERATOR"); m != "" {
		return m
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "local:" + u.Username
	}
	return "local"
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	rootCmd := &cobra.Command{
		Use:           "pseudonymctl",
		Short:         "Pseudonymity engine for anonymous community posting",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&g.envFile, "env-file", "", ".env file to load (default ./.env when present)")
	rootCmd.PersistentFlags().StringVar(&g.server, "server", "", "moderation server URL; moderator commands run remotely when set")
	rootCmd.PersistentFlags().StringVar(&g.token, "token", os.Getenv("PSEUDONYM_TOKEN"), "moderator bearer token for --server")
	rootCmd.PersistentFlags().StringVar(&g.moderator, "moderator", defaultModerator(), "moderator ID recorded in the audit log by local commands")

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(serveCmd(&g))
	rootCmd.AddCommand(postCmd(&g))
	rootCmd.AddCommand(deleteCmd(&g))
	rootCmd.AddCommand(traceCmd(&g))
	rootCmd.AddCommand(searchCmd(&g))
	rootCmd.AddCommand(searchGlobalCmd(&g))
	rootCmd.AddCommand(auditCmd(&g))
	rootCmd.AddCommand(auditVerifyCmd(&g))
	rootCmd.AddCommand(banCmd(&g, true))
	rootCmd.AddCommand(banCmd(&g, false))
	rootCmd.AddCommand(bulkDeleteCmd(&g))
	rootCmd.AddCommand(pruneCmd(&g))
	return rootCmd
}

// env is everything a local command needs, built from configuration.
type env struct {
	cfg       *pseudonym.Config
	ring      *pseudonym.KeyRing
	store     pseudonym.Store
	logger    *slog.Logger
	moderator string
}

func (g *globalFlags) load() (*pseudonym.Config, *slog.Logger, error) {
	cfg, err := pseudonym.LoadConfig(g.configPath, g.envFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	level, err := pseudonym.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	logger := pseudonym.NewLogger(os.Stderr, level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func (g *globalFlags) open() (*env, error) {
	cfg, logger, err := g.load()
	if err != nil {
		return nil, err
	}
	ring, err := cfg.KeyRing()
	if err != nil {
		return nil, err
	}
	store, err := cfg.OpenStore()
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &env{cfg: cfg, ring: ring, store: store, logger: logger, moderator: g.moderator}, nil
}

func (e *env) Close() error { return e.store.Close() }

// record audits a local moderator action. Commands that reveal or change
// data fail when their audit entry cannot be written.
func (e *env) record(cmd *cobra.Command, entry pseudonym.AuditEntry, targetUserID string) error {
	entry.Moderator = e.moderator
	aud := pseudonym.NewAuditor(e.ring, e.store)
	aud.Logger = e.logger
	if _, err := aud.Record(cmd.Context(), entry, targetUserID); err != nil {
		return fmt.Errorf("audit %s: %w", entry.Action, err)
	}
	return nil
}

func (g *globalFlags) client() *pseudonym.HTTPClient {
	return pseudonym.NewHTTPClient(g.server, g.token)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func keygenCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh master key and pepper as environment assignments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := make([]byte, pseudonym.KeySize)
			pepper := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return err
			}
			if _, err := rand.Read(pepper); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s=%d\n", pseudonym.EnvCurrentKeyVersion, version)
			fmt.Fprintf(w, "%s%d=%s\n", pseudonym.EnvMasterKeyPrefix, version, hex.EncodeToString(key))
			fmt.Fprintf(w, "%s=%s\n", pseudonym.EnvPepper, base64.StdEncoding.EncodeToString(pepper))
			return nil
		},
	}
	cmd.Flags().IntVar(&version, "version", 1, "key version to emit")
	return cmd
}
