// Package storage archives delivered batches so they can be queried later.
//
// It currently supports:
//   - Appending batch records (one per delivered batch)
//   - Querying them by destination, level threshold and time window
package storage
