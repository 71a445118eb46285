// Package logging provides structured logging for the kervan consensus
// daemon.
//
// Loggers emit timestamped entries with key-value fields in either
// human-readable text or JSON. Derived loggers share the parent's
// output and level but carry extra fields:
//
//	log := logging.New(logging.Config{Level: "info", Format: "json"})
//	log = log.WithNode(3)
//	log.Info("became leader", "term", 7)
//
// File outputs can rotate by size, with optional gzip compression of
// rotated files and a retention cap.
package logging
