// Package syncer reconciles a device's local spaces with their sync servers.
//
// Overview
//
// Each space carries two watermarks. A pull asks the server for nodes updated
// strictly after the newest local node, applies them, and records the new
// newest time as NodesLastUpdatedAt. A push sends local nodes updated after
// NodesLastPushedAt and advances that marker once the server acknowledges.
//
//	Local Store ──Push──▶ Sync Endpoint
//	     ▲                     │
//	     └────────Pull─────────┘
//
// Conflicts
//
// A node is always adopted whole. The copy with the later updatedAt wins on
// the server; on the device a pulled node replaces the local one. There is
// no field-level merge and no divergence detection.
//
// Encryption
//
// For a space with Encrypted set and a password present, element and props
// are plaintext JSON locally and JSON strings of ciphertext remotely. The
// conversion happens per node before any write, so a node that fails to
// decrypt is never stored and the pass aborts without moving the watermark.
//
// Usage
//
//	s, err := syncer.New(syncer.Config{Store: db, Endpoint: remote.NewClient()})
//	if err != nil {
//	    return err
//	}
//	res, err := s.Sync(ctx, spaceID)
package syncer
