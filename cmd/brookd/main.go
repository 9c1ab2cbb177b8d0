package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cuemby/brook/internal/auth"
	"github.com/cuemby/brook/pkg/log"
	"github.com/cuemby/brook/pkg/server"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// Exit codes: 0 clean, 1 configuration error, 2 storage error, 3
// network bind error.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitStorageError = 2
	exitBindError    = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

func exitCode(err error) int {
	switch {
	case errors.As(err, new(*bindError)):
		return exitBindError
	case errors.As(err, new(*storageError)):
		return exitStorageError
	default:
		return exitConfigError
	}
}

// bindError wraps a failure to open the wire or metrics/health
// listener.
type bindError struct{ err error }

func (e *bindError) Error() string { return e.err.Error() }
func (e *bindError) Unwrap() error { return e.err }

// storageError wraps a failure to open the catalog or auth store.
type storageError struct{ err error }

func (e *storageError) Error() string { return e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:     "brookd",
	Short:   "brookd is the brook document database server",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("brookd version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("data-dir", "./data", "Directory holding the catalog, auth store, and per-database trees")
	serveCmd.Flags().String("listen-addr", "127.0.0.1:4242", "Address the wire protocol listener binds to")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address the metrics/health HTTP server binds to")
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run brookd in the foreground",
	Long: `Run brookd in the foreground, serving the wire protocol and the
metrics/health HTTP endpoints until interrupted.

brookd ships with one reference schema, "notes", registered at
startup. Embedders that need their own collections link pkg/server as
a library and pass their own database.Plugin values to server.New
instead of running this binary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		listenAddr, _ := cmd.Flags().GetString("listen-addr")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		firstRun := false
		if _, err := os.Stat(filepath.Join(dataDir, "_catalog.db")); os.IsNotExist(err) {
			firstRun = true
		}

		cfg := server.Config{DataDir: dataDir, ListenAddr: listenAddr, MetricsAddr: metricsAddr}
		srv, err := server.New(cfg, log.Logger, notesPlugin())
		if err != nil {
			return &storageError{fmt.Errorf("create server: %w", err)}
		}

		if firstRun {
			if err := bootstrapRoot(srv); err != nil {
				return &storageError{fmt.Errorf("bootstrap root user: %w", err)}
			}
			if err := srv.Databases.Catalog().CreateDatabase("notes", "notes", true); err != nil {
				return &storageError{fmt.Errorf("provision reference database: %w", err)}
			}
			fmt.Println(`created reference database "notes" bound to the "notes" schema`)
		}

		if err := srv.Start(); err != nil {
			return &bindError{fmt.Errorf("start server: %w", err)}
		}

		fmt.Printf("brookd listening on %s\n", listenAddr)
		fmt.Printf("metrics and health endpoints on http://%s\n", metricsAddr)
		fmt.Println("press Ctrl+C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nshutting down...")
		if err := srv.Stop(); err != nil {
			return fmt.Errorf("stop server: %w", err)
		}
		fmt.Println("shutdown complete")
		return nil
	},
}

// bootstrapRoot creates a "root" user in the admins group with a
// freshly generated password, printed once so a first-time operator
// can authenticate. It only runs the first time a data directory is
// served from.
func bootstrapRoot(srv *server.Server) error {
	if _, err := srv.Auth.CreatePermissionGroup("admins", []auth.Statement{
		{Resource: "*", Actions: []string{"*"}, Allow: true},
	}); err != nil {
		return err
	}

	if _, err := srv.Auth.CreateUser("root"); err != nil {
		return err
	}

	password, err := randomPassword()
	if err != nil {
		return err
	}
	if err := srv.Auth.SetUserPassword(auth.ByUsername("root"), password); err != nil {
		return err
	}
	if err := srv.Auth.AlterGroupMembership(auth.ByUsername("root"), "admins", true); err != nil {
		return err
	}

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  First run: generated root credentials")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  username: root")
	fmt.Printf("  password: %s\n", password)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("Save this password; it will not be shown again.")
	return nil
}

func randomPassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
