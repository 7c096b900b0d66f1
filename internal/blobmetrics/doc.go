// Package blobmetrics tracks per blob store operation metrics and reconciles
// them with a durable aggregate.
//
// Blob store operations record into lock-free counters held by a Service.
// A scheduled job adds the accumulated delta to a MetricsStore and drains
// exactly what the store accepted, so reads of persisted plus delta stay
// constant across a flush. Each flush carries a FlushToken; a flush that
// failed after the store applied it is retried with the same token and the
// store ignores it.
//
// A Registry owns one Service per blob store name:
//
//	reg := blobmetrics.NewRegistry(store, sched, blobmetrics.ServiceConfig{})
//	svc, err := reg.Create(ctx, "repo-a")
//	if err != nil {
//	    return err
//	}
//	svc.RecordAddition(size)
package blobmetrics
