// Package crypto provides AES-256-GCM encryption for kervan backup
// archives.
//
// Each record is sealed and authenticated independently with a fresh
// random nonce, so a damaged or tampered record fails cleanly instead
// of poisoning the rest of the stream.
//
// Encrypted Record Format:
//
//	+------------+--------+----------------+----------+
//	| DataLength | Nonce  | Encrypted Data | Auth Tag |
//	| 4 B        | 12 B   | Variable       | 16 B     |
//	+------------+--------+----------------+----------+
//
// CryptoWriter and CryptoReader move whole records. StreamWriter and
// StreamReader adapt the record layer to io.Writer and io.Reader so an
// encryption stage can sit inside a backup pipeline:
//
//	key, err := crypto.LoadKeyFromFile("backup.key")
//	sw := crypto.NewStreamWriter(outFile, key)
//	// ... write archive bytes through sw ...
//	err = sw.Close()
package crypto
