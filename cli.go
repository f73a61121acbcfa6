package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"vanish/server/internal/store"
)

// RunCLI dispatches a subcommand against dbPath. It returns false when args
// does not name a recognized subcommand, signaling the caller to fall
// through to server startup instead.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "version":
		fmt.Println("vanish-server (dev build)")
		return true
	case "status":
		return cliStatus(dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

// cliStatus opens the store and prints row counts across every table.
func cliStatus(dbPath string) bool {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: open store: %v\n", err)
		return true
	}
	defer st.Close()

	stats, err := st.Stats(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return true
	}

	fmt.Printf("database:               %s\n", dbPath)
	fmt.Printf("conversations:          %d (%d active)\n", stats.Conversations, stats.ActiveConversations)
	fmt.Printf("participants:           %d\n", stats.Participants)
	fmt.Printf("messages:               %d\n", stats.Messages)
	fmt.Printf("device tokens:          %d (%d active)\n", stats.DeviceTokens, stats.ActiveDeviceTokens)
	return true
}

// cliBackup copies the SQLite database file to a destination path. SQLite's
// single-writer connection pool (Store.Open sets MaxOpenConns(1)) makes a
// plain file copy safe as long as no write is in flight; callers running
// this against a live server should expect a best-effort snapshot.
func cliBackup(args []string, dbPath string) bool {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "backup: destination path is required")
		return true
	}
	dest := args[0]

	if err := copyFile(dbPath, dest); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return true
	}
	fmt.Printf("backup written to %s\n", dest)
	return true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create destination directory: %w", err)
		}
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return out.Sync()
}
