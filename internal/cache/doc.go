// Package cache defines the named-bucket cache storage used by the offline
// agent. A Storage holds buckets in creation order; each Bucket maps a GET
// request (absolute URL, fragment stripped) to a stored response. Storage.Match
// looks through every bucket, while Bucket operations are scoped to one name.
// The memory and filesystem backends live here; networked and embedded
// database backends live in sub-packages and share the cachetest suite.
package cache
