// Package credstore persists the chat-session credential blob.
//
// There is one record per session name. It is written on every credential
// rotation, read once at startup and deleted only when the remote side logs
// the session out. Drivers:
//   - "file":   one 0600 file per session, replaced atomically
//   - "sqlite": single table in a SQLite database (modernc, pure Go)
//   - "bolt":   one bucket in a bbolt database
//   - "redis":  one key per session
//
// Any driver can be wrapped by Sealed, which encrypts records at rest with an
// age scrypt passphrase.
package credstore
