// Package ids derives the MD5-hex, prefixed content-addressed identifiers
// used throughout the pipeline (doc-, chunk-, ent-, rel-, task-). The spec
// names MD5 verbatim for cross-language interoperability with persisted
// state, so this is one of the rare places the standard library's
// crypto/md5 is the specified algorithm rather than a stand-in for a
// missing dependency.
package ids

import (
	"crypto/md5"
	"encoding/hex"
)

func hash(prefix string, parts ...string) string {
	h := md5.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return prefix + hex.EncodeToString(h.Sum(nil))
}

// Doc derives a document id from its content.
func Doc(content string) string { return hash("doc-", content) }

// Chunk derives a chunk id from its (decoded, trimmed) content.
func Chunk(content string) string { return hash("chunk-", content) }

// Entity derives a vector-point id for an entity name.
func Entity(name string) string { return hash("ent-", name) }

// Relation derives a vector-point id for a relation pair, order-sensitive
// (callers pass both orientations when checking for stale records).
func Relation(a, b string) string { return hash("rel-", a, b) }

// Task derives a task id from a document id, its content, and a
// caller-supplied uniqueness token (typically the enqueue time).
func Task(docID, content, nonce string) string { return hash("task-", docID, content, nonce) }
