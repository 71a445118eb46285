package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/config"
)

// configCmd handles the config command.
func configCmd(args []string) int {
	if len(args) == 0 {
		printConfigUsage(os.Stdout)
		return 0
	}

	// Check for help flags
	if args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printConfigUsage(os.Stdout)
		return 0
	}

	switch args[0] {
	case "validate":
		return configValidateCmd(args[1:])
	case "init":
		return configInitCmd(args[1:])
	case "show":
		return configShowCmd(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "Run 'kervand config help' for usage.")
		return 1
	}
}

// configValidateCmd handles the config validate subcommand.
func configValidateCmd(args []string) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configFile := fs.String("config", "", "Path to configuration file")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		fmt.Println("Validate configuration file")
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("  kervand config validate [options]")
		fmt.Println()
		fmt.Println("Options:")
		fmt.Println("  -config string")
		fmt.Println("        Path to configuration file (required)")
		return 0
	}

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		return 1
	}

	// Load the configuration file
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	// Validate the configuration
	errs := config.ValidateConfig(cfg)
	if len(errs) > 0 {
		fmt.Fprintln(os.Stderr, "Configuration errors:")
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  - %s\n", e)
		}
		return 1
	}

	fmt.Println("Configuration is valid")
	return 0
}

// configInitCmd handles the config init subcommand.
func configInitCmd(args []string) int {
	fs := flag.NewFlagSet("config init", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		fmt.Println("Generate default configuration")
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("  kervand config init")
		fmt.Println()
		fmt.Println("Outputs default configuration to stdout in YAML format.")
		return 0
	}

	// Get default configuration
	cfg := config.DefaultConfig()

	// Marshal to YAML
	yaml := marshalConfigToYAML(cfg)
	fmt.Print(yaml)

	return 0
}

// configShowCmd handles the config show subcommand.
func configShowCmd(args []string) int {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configFile := fs.String("config", "", "Path to configuration file")
	format := fs.String("format", "yaml", "Output format (yaml, json)")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		fmt.Println("Show effective configuration")
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("  kervand config show [options]")
		fmt.Println()
		fmt.Println("Options:")
		fmt.Println("  -config string")
		fmt.Println("        Path to configuration file")
		fmt.Println("  -format string")
		fmt.Println("        Output format: yaml, json (default \"yaml\")")
		return 0
	}

	var cfg *config.Config
	var err error

	if *configFile != "" {
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Output in requested format
	switch strings.ToLower(*format) {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to marshal config: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	default:
		yaml := marshalConfigToYAML(cfg)
		fmt.Print(yaml)
	}

	return 0
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Variables follow the pattern KERVAN_<SECTION>_<KEY>.
func applyEnvOverrides(cfg *config.Config) {
	// Node overrides
	if v := os.Getenv("KERVAN_NODE_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Node.ID = id
		}
	}
	if v := os.Getenv("KERVAN_NODE_ADDR"); v != "" {
		cfg.Node.Addr = v
	}
	if v := os.Getenv("KERVAN_NODE_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}

	// API overrides
	if v := os.Getenv("KERVAN_API_ADDRESS"); v != "" {
		cfg.API.Address = v
	}

	// Logging overrides
	if v := os.Getenv("KERVAN_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("KERVAN_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("KERVAN_LOGGING_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
}

// marshalConfigToYAML converts a Config to YAML. The output parses back
// through config.ParseConfig unchanged.
func marshalConfigToYAML(cfg *config.Config) string {
	var sb strings.Builder

	sb.WriteString("# Kervan replicated key-value store configuration\n")
	sb.WriteString("# Generated by: kervand config init\n\n")

	// Node section
	sb.WriteString("node:\n")
	sb.WriteString(fmt.Sprintf("  id: %d\n", cfg.Node.ID))
	sb.WriteString(fmt.Sprintf("  dataDir: %q\n", cfg.Node.DataDir))
	sb.WriteString(fmt.Sprintf("  addr: %q\n", cfg.Node.Addr))
	sb.WriteString("\n")

	// Cluster section
	sb.WriteString("cluster:\n")
	sb.WriteString(fmt.Sprintf("  bootstrap: %t\n", cfg.Cluster.Bootstrap))
	if len(cfg.Cluster.Peers) > 0 {
		sb.WriteString("  peers:\n")
		for _, p := range cfg.Cluster.Peers {
			sb.WriteString(fmt.Sprintf("    - id: %d\n", p.ID))
			sb.WriteString(fmt.Sprintf("      addr: %q\n", p.Addr))
		}
	}
	sb.WriteString("\n")

	// Raft section
	sb.WriteString("raft:\n")
	sb.WriteString(fmt.Sprintf("  electionTimeoutMin: %s\n", formatDuration(cfg.Raft.ElectionTimeoutMin)))
	sb.WriteString(fmt.Sprintf("  electionTimeoutMax: %s\n", formatDuration(cfg.Raft.ElectionTimeoutMax)))
	sb.WriteString(fmt.Sprintf("  heartbeatInterval: %s\n", formatDuration(cfg.Raft.HeartbeatInterval)))
	sb.WriteString(fmt.Sprintf("  maxEntriesPerAppend: %d\n", cfg.Raft.MaxEntriesPerAppend))
	sb.WriteString(fmt.Sprintf("  maxBytesPerAppend: %d\n", cfg.Raft.MaxBytesPerAppend))
	sb.WriteString(fmt.Sprintf("  snapshotThreshold: %d\n", cfg.Raft.SnapshotThreshold))
	sb.WriteString(fmt.Sprintf("  snapshotThresholdBytes: %d\n", cfg.Raft.SnapshotThresholdBytes))
	sb.WriteString(fmt.Sprintf("  snapshotChunkSize: %d\n", cfg.Raft.SnapshotChunkSize))
	sb.WriteString(fmt.Sprintf("  readPolicy: %q\n", cfg.Raft.ReadPolicy))
	sb.WriteString(fmt.Sprintf("  leaseDuration: %s\n", formatDuration(cfg.Raft.LeaseDuration)))
	sb.WriteString(fmt.Sprintf("  proposalQueueDepth: %d\n", cfg.Raft.ProposalQueueDepth))
	sb.WriteString(fmt.Sprintf("  proposeTimeout: %s\n", formatDuration(cfg.Raft.ProposeTimeout)))
	sb.WriteString("\n")

	// API section
	sb.WriteString("api:\n")
	sb.WriteString(fmt.Sprintf("  address: %q\n", cfg.API.Address))
	sb.WriteString(fmt.Sprintf("  readTimeout: %s\n", formatDuration(cfg.API.ReadTimeout)))
	sb.WriteString(fmt.Sprintf("  writeTimeout: %s\n", formatDuration(cfg.API.WriteTimeout)))
	if len(cfg.API.CORSOrigins) > 0 {
		quoted := make([]string, len(cfg.API.CORSOrigins))
		for i, o := range cfg.API.CORSOrigins {
			quoted[i] = fmt.Sprintf("%q", o)
		}
		sb.WriteString(fmt.Sprintf("  corsOrigins: [%s]\n", strings.Join(quoted, ", ")))
	}
	sb.WriteString("\n")

	// Logging section
	sb.WriteString("logging:\n")
	sb.WriteString(fmt.Sprintf("  level: %q\n", cfg.Logging.Level))
	sb.WriteString(fmt.Sprintf("  format: %q\n", cfg.Logging.Format))
	sb.WriteString(fmt.Sprintf("  output: %q\n", cfg.Logging.Output))
	if cfg.Logging.MaxSizeMB > 0 {
		sb.WriteString(fmt.Sprintf("  maxSizeMB: %d\n", cfg.Logging.MaxSizeMB))
		sb.WriteString(fmt.Sprintf("  keep: %d\n", cfg.Logging.Keep))
		sb.WriteString(fmt.Sprintf("  compress: %t\n", cfg.Logging.Compress))
	}

	return sb.String()
}

// formatDuration formats a duration for YAML output.
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	// Convert to days if applicable
	days := d / (24 * time.Hour)
	if days > 0 && d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", days)
	}

	// Use standard duration format
	return d.String()
}
