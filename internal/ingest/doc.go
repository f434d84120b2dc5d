// Package ingest loads raw review records and normalizes them into the
// cleaned records the indexer embeds.
package ingest
