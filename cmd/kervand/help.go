package main

import (
	"fmt"
	"io"
)

// printUsage prints the main usage information to the given writer.
func printUsage(w io.Writer) {
	fmt.Fprint(w, `kervand - Replicated key-value store

Usage:
  kervand <command> [options]

Commands:
  serve       Start a store node
  get         Read a key through the HTTP API
  set         Write a key through the HTTP API
  del         Delete a key through the HTTP API
  status      Show node and cluster status
  backup      Archive a node's data directory
  restore     Restore a data directory from an archive
  keygen      Generate a backup encryption key
  config      Configuration management
  version     Show version information

Use "kervand <command> -h" for more information about a command.
`)
}

// printServeUsage prints the serve command usage.
func printServeUsage(w io.Writer) {
	fmt.Fprint(w, `Start a store node

Usage:
  kervand serve [options]

Options:
  -config string
        Path to configuration file
  -id uint
        Server id (overrides config)
  -address string
        Consensus listen address (overrides config, default "127.0.0.1:7400")
  -api-address string
        HTTP API listen address (overrides config, default ":8080")
  -data-dir string
        Data directory path (overrides config, default "./data")
  -log-level string
        Log level: debug, info, warn, error (overrides config)
  -bootstrap
        Create a fresh cluster on first start. Without configured
        peers this bootstraps a single-node cluster.
  -pid-file string
        Write the process id to this file while running
  -h, -help
        Show this help message

Environment Variables:
  KERVAN_NODE_ID           Override server id
  KERVAN_NODE_ADDR         Override consensus listen address
  KERVAN_NODE_DATA_DIR     Override data directory path
  KERVAN_API_ADDRESS       Override HTTP API listen address
  KERVAN_LOGGING_LEVEL     Override log level
`)
}

// printGetUsage prints the get command usage.
func printGetUsage(w io.Writer) {
	fmt.Fprint(w, `Read a key through the HTTP API

Usage:
  kervand get [options] <key>

Options:
  -api string
        Base URL of the HTTP API (default "http://127.0.0.1:8080")
  -timeout duration
        Request timeout (default 5s)
  -h, -help
        Show this help message
`)
}

// printSetUsage prints the set command usage.
func printSetUsage(w io.Writer) {
	fmt.Fprint(w, `Write a key through the HTTP API

Usage:
  kervand set [options] <key> <value>

Options:
  -api string
        Base URL of the HTTP API (default "http://127.0.0.1:8080")
  -timeout duration
        Request timeout (default 5s)
  -h, -help
        Show this help message
`)
}

// printDelUsage prints the del command usage.
func printDelUsage(w io.Writer) {
	fmt.Fprint(w, `Delete a key through the HTTP API

Usage:
  kervand del [options] <key>

Options:
  -api string
        Base URL of the HTTP API (default "http://127.0.0.1:8080")
  -timeout duration
        Request timeout (default 5s)
  -h, -help
        Show this help message
`)
}

// printStatusUsage prints the status command usage.
func printStatusUsage(w io.Writer) {
	fmt.Fprint(w, `Show node and cluster status

Usage:
  kervand status [options]

Options:
  -api string
        Base URL of the HTTP API (default "http://127.0.0.1:8080")
  -timeout duration
        Request timeout (default 5s)
  -h, -help
        Show this help message
`)
}

// printBackupUsage prints the backup command usage.
func printBackupUsage(w io.Writer) {
	fmt.Fprint(w, `Archive a node's data directory

The node must be stopped; a live data directory changes underneath
the archiver.

Usage:
  kervand backup [options]

Options:
  -output string
        Output archive path (required)
  -data-dir string
        Data directory path (required)
  -compress
        Compress the archive payload
  -key string
        Encrypt the archive with the key in this file
  -h, -help
        Show this help message
`)
}

// printRestoreUsage prints the restore command usage.
func printRestoreUsage(w io.Writer) {
	fmt.Fprint(w, `Restore a data directory from an archive

The target directory must be empty or absent.

Usage:
  kervand restore [options]

Options:
  -input string
        Input archive path (required)
  -data-dir string
        Target data directory path (required)
  -verify
        Verify the archive checksum before restoring
  -key string
        Decrypt the archive with the key in this file
  -h, -help
        Show this help message
`)
}

// printKeygenUsage prints the keygen command usage.
func printKeygenUsage(w io.Writer) {
	fmt.Fprint(w, `Generate a backup encryption key

Usage:
  kervand keygen [options]

Options:
  -output string
        Key file path (required)
  -h, -help
        Show this help message
`)
}

// printConfigUsage prints the config command usage.
func printConfigUsage(w io.Writer) {
	fmt.Fprint(w, `Configuration management

Usage:
  kervand config <subcommand> [options]

Subcommands:
  validate    Validate configuration file
  init        Generate default configuration
  show        Show effective configuration

Use "kervand config <subcommand> -h" for more information.
`)
}

// printVersionUsage prints the version command usage.
func printVersionUsage(w io.Writer) {
	fmt.Fprint(w, `Show version information

Usage:
  kervand version [options]

Options:
  -short
        Show only version number
  -h, -help
        Show this help message
`)
}
