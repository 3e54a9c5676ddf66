package domain

// NormalizeResult is the outcome of normalizing one queue item. Exactly one
// of the three states holds:
//
//   - Skip: nothing to persist, ack the item immediately.
//   - Delete: the remote record is gone, soft-delete the local row.
//   - Records: upsert these and ack on success.
type NormalizeResult struct {
	Skip    bool
	Delete  bool
	Records []Record
}

// SkipResult acks an item without touching storage.
func SkipResult() NormalizeResult { return NormalizeResult{Skip: true} }

// DeleteResult marks the item's external id as deleted locally.
func DeleteResult() NormalizeResult { return NormalizeResult{Delete: true} }

// RecordsResult carries normalized records to the upsert path.
func RecordsResult(recs ...Record) NormalizeResult {
	return NormalizeResult{Records: recs}
}

// Normalizer turns a queue item into typed domain records by fetching the
// authoritative current state from the source API. Implementations must
// treat "not found" upstream as a delete, never as an error, and must not
// ack or enqueue; the dispatcher owns the queue.
type Normalizer interface {
	Process(ctx Context, eventType, externalID string) (NormalizeResult, error)
}
