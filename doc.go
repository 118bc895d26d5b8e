// Package odb is a content-addressable object database: it stores and
// retrieves immutable objects (commits, trees, blobs, tags) identified
// by cryptographic hash, transparently across loose files and packed
// storage with delta compression.
//
// [Store] is the entry point. It coordinates an ordered set of
// backends: the loose store first, then each pack in
// most-recently-registered-first order, so a duplicate id always
// resolves to the same physical copy.
//
//	store, err := odb.New("/repo/.git/objects")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	kind, payload, err := store.Find(hash)
//
// Reads are safe from any number of goroutines, including while new
// packs are being registered: registration publishes a fresh backend
// snapshot with an atomic swap, and in-flight lookups complete against
// whichever snapshot they observed at entry.
//
// The object, loose, and pack subpackages expose the layers
// individually for callers that need direct access to one
// representation.
package odb
