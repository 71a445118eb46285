// Package main provides CLI commands for the kervand daemon.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/backup"
	"github.com/KilimcininKorOglu/kervan/internal/crypto"
)

// backupCmd handles the backup command.
func backupCmd(args []string) int {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	output := fs.String("output", "", "Output archive path")
	dataDir := fs.String("data-dir", "", "Data directory path")
	compress := fs.Bool("compress", false, "Compress the archive payload")
	keyFile := fs.String("key", "", "Encrypt the archive with the key in this file")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printBackupUsage(os.Stdout)
		return 0
	}

	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: -output is required")
		return 1
	}

	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "Error: -data-dir is required")
		return 1
	}

	var key *crypto.EncryptionKey
	if *keyFile != "" {
		k, err := crypto.LoadKeyFromFile(*keyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading key: %v\n", err)
			return 1
		}
		key = k
	}

	bm := backup.NewBackupManager(*dataDir)

	backupOpts := &backup.BackupOptions{
		OutputPath: *output,
		Compress:   *compress,
		Key:        key,
	}

	fmt.Printf("Creating backup...\n")
	fmt.Printf("  Output:    %s\n", *output)
	fmt.Printf("  Data Dir:  %s\n", *dataDir)
	fmt.Printf("  Compress:  %v\n", *compress)
	fmt.Printf("  Encrypted: %v\n", key != nil)

	stats, err := bm.Backup(backupOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Backup failed: %v\n", err)
		return 1
	}

	fmt.Printf("\nBackup completed successfully!\n")
	fmt.Printf("  Files:         %d\n", stats.Files)
	fmt.Printf("  Data bytes:    %d\n", stats.DataBytes)
	fmt.Printf("  Archive bytes: %d\n", stats.ArchiveBytes)
	if *compress && stats.CompressionRatio() > 0 {
		fmt.Printf("  Compression:   %.1f%% reduction\n", stats.CompressionRatio()*100)
	}
	fmt.Printf("  Duration:      %v\n", stats.Duration.Round(time.Millisecond))

	return 0
}

// restoreCmd handles the restore command.
func restoreCmd(args []string) int {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	input := fs.String("input", "", "Input archive path")
	dataDir := fs.String("data-dir", "", "Target data directory path")
	verify := fs.Bool("verify", false, "Verify the archive checksum before restoring")
	keyFile := fs.String("key", "", "Decrypt the archive with the key in this file")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printRestoreUsage(os.Stdout)
		return 0
	}

	if *input == "" {
		fmt.Fprintln(os.Stderr, "Error: -input is required")
		return 1
	}

	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "Error: -data-dir is required")
		return 1
	}

	var key *crypto.EncryptionKey
	if *keyFile != "" {
		k, err := crypto.LoadKeyFromFile(*keyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading key: %v\n", err)
			return 1
		}
		key = k
	}

	rm := backup.NewRestoreManager(*dataDir)

	if *verify {
		fmt.Printf("Verifying archive...\n")
		if err := rm.VerifyBackup(*input, key); err != nil {
			fmt.Fprintf(os.Stderr, "Verification failed: %v\n", err)
			return 1
		}
		fmt.Printf("Archive verified\n")
	}

	opts := &backup.RestoreOptions{
		InputPath: *input,
		DataDir:   *dataDir,
		Key:       key,
	}

	fmt.Printf("Restoring from backup...\n")
	fmt.Printf("  Input:    %s\n", *input)
	fmt.Printf("  Data Dir: %s\n", *dataDir)

	stats, err := rm.Restore(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Restore failed: %v\n", err)
		return 1
	}

	fmt.Printf("\nRestore completed successfully!\n")
	fmt.Printf("  Files:      %d\n", stats.Files)
	fmt.Printf("  Data bytes: %d\n", stats.DataBytes)
	fmt.Printf("  Duration:   %v\n", stats.Duration.Round(time.Millisecond))

	return 0
}

// keygenCmd handles the keygen command.
func keygenCmd(args []string) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	output := fs.String("output", "", "Key file path")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printKeygenUsage(os.Stdout)
		return 0
	}

	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: -output is required")
		return 1
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Key generation failed: %v\n", err)
		return 1
	}

	if err := crypto.SaveKeyToFile(key, *output); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write key file: %v\n", err)
		return 1
	}

	fmt.Printf("Encryption key written to %s\n", *output)
	return 0
}
