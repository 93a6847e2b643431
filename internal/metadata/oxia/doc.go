// Package oxia implements the MetadataStore interface using Oxia.
//
// Usage:
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "heapd",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	version, err := store.Put(ctx, "/heapd/v1/roots/sessions", []byte("42"),
//	    metadata.WithExpectedVersion(0))
//
// Each heap uses a dedicated namespace so several heaps can share one Oxia
// cluster. Oxia versions start at 0; this package shifts them by one so
// that version 0 keeps meaning "never written" at the MetadataStore level.
package oxia
