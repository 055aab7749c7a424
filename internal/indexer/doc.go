// Package indexer serializes participant change requests through a
// single-writer pipeline.
//
// Work items enter a FIFO WorkQueue with exactly one consumer. Items whose
// processing fails are wrapped in a ReIndexItem and retried by a periodic
// sweep at a fixed interval until they succeed or expire. Expired items
// become DeadItems and stay there until an operator resubmits them.
package indexer
