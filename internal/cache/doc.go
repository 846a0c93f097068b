// Package cache models the blob cache the offline worker runs against: a set
// of named buckets, each mapping a request identity (method + URL) to a stored
// response. Two backends are provided: an in-memory storage used by tests and
// ephemeral runs, and a disk storage that lays buckets out as
// StoragePath/<bucket>/<digest>.{body,json} with temp file + rename writes.
// Responses carry single-read bodies; callers that need to both store and
// return a response must Clone it first.
package cache
