// Package backup provides archive and restore for a kervan node's data
// directory.
//
// # Overview
//
// A backup is a single archive holding every file of the node's data
// directory: log segments, the hard state file and the snapshot. The
// package supports:
//
//   - Optional block compression of the payload
//   - Optional AES-256-GCM encryption of the payload
//   - Checksum verification of the payload on restore
//
// Backups are offline: stop the node before archiving its directory, or
// archive a filesystem-level copy. Archiving under active writes
// produces an inconsistent archive.
//
// # Archive Layout
//
// The archive starts with a fixed 64-byte plaintext header (magic,
// version, flags, file count, payload checksum), followed by the
// payload: a sequence of file records terminated by a zero-length path.
//
//	[pathLen:2][path][mode:4][size:8][data]
//
// The payload passes through the configured pipeline in order:
// records -> checksum -> compress -> encrypt.
//
// # Creating Backups
//
//	bm := backup.NewBackupManager("/var/lib/kervan/node1")
//	stats, err := bm.Backup(&backup.BackupOptions{
//	    OutputPath: "/backup/kervan-20260825.bak",
//	    Compress:   true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("archived %d files in %v\n", stats.Files, stats.Duration)
//
// # Restoring Backups
//
// Restore refuses a non-empty target; it never merges into live state.
//
//	rm := backup.NewRestoreManager("/var/lib/kervan/node1")
//	stats, err := rm.Restore(&backup.RestoreOptions{
//	    InputPath: "/backup/kervan-20260825.bak",
//	})
//
// After a restore the node starts from the archived snapshot and log;
// it rejoins the cluster and catches up through normal replication.
//
// # Encrypted Archives
//
// Pass a key to encrypt the payload. The header stays plaintext so
// tools can identify an archive without the key:
//
//	key, err := crypto.LoadKeyFromFile("/etc/kervan/backup.key")
//	stats, err := bm.Backup(&backup.BackupOptions{
//	    OutputPath: "/backup/kervan.bak",
//	    Compress:   true,
//	    Key:        key,
//	})
//
// # Error Handling
//
// Common backup errors:
//
//   - ErrInvalidBackup: archive file is malformed
//   - ErrInvalidMagic: not a kervan backup archive
//   - ErrChecksumMismatch: payload corruption detected
//   - ErrTargetNotEmpty: restore target already holds data
//   - ErrKeyRequired: archive is encrypted and no key was given
package backup
