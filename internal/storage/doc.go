// Package storage keeps the formulas a node works on.
//
// A node stores the raw DIMACS text of its own formula and of every formula
// it received from a peer, keyed by the originator's node id. The bytes are
// kept verbatim so they can be forwarded to further peers and parsed
// identically everywhere.
//
// MemoryStore is the only implementation; formulas do not survive a restart.
//
//	store := storage.NewMemoryStore()
//	_ = store.Put(originator, raw)
//	raw, err := store.Get(originator)
//	if errors.Is(err, storage.ErrFormulaNotFound) {
//	    // the formula has not arrived yet
//	}
package storage
