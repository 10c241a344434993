/*
Package tcmirror is a tool for mirroring toolchain distribution channels
onto local storage for offline consumption.

tcmirror maintains an exact, verifiable copy of a remote artifact catalog
with features including:
  - Incremental synchronization driven by a durable mirror ledger
  - SHA-256 verification of every downloaded artifact
  - PGP signature verification of catalogs and artifacts
  - Concurrent downloads with retry, backoff and connection pooling
  - Atomic publication so a crash never leaves a half-written mirror

The main packages are:

	github.com/tcmirror/tcmirror/internal/artifact - artifact identity and digest plumbing
	github.com/tcmirror/tcmirror/internal/catalog  - catalog manifest parsing and retrieval
	github.com/tcmirror/tcmirror/internal/mirror   - core synchronization engine and storage
	github.com/tcmirror/tcmirror/cmd/tcmirror      - command-line interface
*/
package tcmirror
