// cas/backend.go

package cas

// Backend is the storage-level interface the CAS layer sits on top of. In
// production it is implemented by *store.Store (a single SQLite file);
// MemoryBackend implements it for tests that exercise Put/Get/Has
// semantics without paying for a cgo sqlite3 connection, the same role the
// teacher's storage.NewMemory() plays for its own Backend interface.
type Backend interface {
	// HasCAS reports whether a row for hash already exists.
	HasCAS(hash Hash) (bool, error)

	// PutCAS inserts a row for hash if absent. codec records how payload
	// is encoded; payload is exactly what GetCAS will later return.
	// Implementations must be idempotent: inserting an already-present
	// hash is a no-op, not an error (spec's CAS dedup property).
	PutCAS(hash Hash, codec Codec, payload []byte) error

	// GetCAS returns the stored codec and payload for hash, or an error
	// if no row exists.
	GetCAS(hash Hash) (Codec, []byte, error)
}
