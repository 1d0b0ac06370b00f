// Package cache implements the per-tenant multi-tier response cache.
//
// Each tenant owns a bounded in-process LRU tier. When Redis is configured
// all tenants share one distributed tier, isolated by key prefix:
//
//	t:<tenant>:r:<resource>:<hash>
//
// Reads check the local tier, then the distributed tier, mirroring a
// distributed hit into the local tier for its remaining lifetime. Writes
// go to the distributed tier first and only reach the local tier when that
// write succeeded. A distributed tier failure is logged and treated as a
// miss; it never fails the request being served.
//
// All types are safe for concurrent use.
package cache
