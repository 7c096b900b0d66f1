// Package oxia implements metadata.MetadataStore on an Oxia cluster.
//
// All nodes of a deployment point at the same namespace, so metrics
// aggregates written here are shared cluster-wide. Conditional writes map
// onto Oxia's expected-version checks:
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "blobmetrics",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	res, _ := store.Get(ctx, key)
//	_, err = store.Put(ctx, key, next, metadata.WithExpectedVersion(res.Version))
//
// Oxia numbers versions from 0 while metadata reserves 0 for "missing", so
// versions are shifted by one at this boundary.
package oxia
