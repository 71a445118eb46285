// Package config provides configuration parsing and validation for the
// kervan consensus daemon.
//
// Configuration files use a YAML subset: nested maps by indentation,
// lists with "- " items, inline string arrays, durations ("150ms",
// "5s"), byte sizes ("64KB", "1MB"), and ${VAR} / ${VAR:-default}
// environment substitution. A minimal three-node file:
//
//	node:
//	  id: 1
//	  dataDir: /var/lib/kervan
//	  addr: 127.0.0.1:7001
//
//	cluster:
//	  bootstrap: true
//	  peers:
//	    - id: 1
//	      addr: 127.0.0.1:7001
//	    - id: 2
//	      addr: 127.0.0.1:7002
//	    - id: 3
//	      addr: 127.0.0.1:7003
//
//	api:
//	  address: :8080
//
//	logging:
//	  level: info
//	  format: text
//
// Values not present in the file keep their defaults from
// DefaultConfig. ValidateConfig reports every problem it finds rather
// than stopping at the first.
package config
