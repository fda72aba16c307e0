// Package handler implements the management HTTP API of docstore.
//
// # Repositories
//
//	GET  /api/repositories                             list with session and cache counts
//	GET  /api/repositories/{name}                      sessions, cache sizes
//	POST /api/repositories/{name}/caches/clear         drop session caches at their next Begin
//	POST /api/repositories/{name}/invalidations/next   deliver cluster invalidations at the next Begin
//	POST /api/repositories/{name}/readacls/rebuild     recompute every read ACL
//	POST /api/repositories/{name}/cleanup?max=&before= purge soft-deleted documents
//	GET  /api/repositories/{name}/binaries             digests of the referenced blobs
//
// # Work queues
//
//	GET    /api/queues                          known queues
//	GET    /api/queues/{id}?state=              ids and size in a state, non-completed by default
//	POST   /api/queues/{id}/suspend             move scheduled work to suspended
//	POST   /api/queues/{id}/resume              move suspended work back to scheduled
//	DELETE /api/queues/{id}/completed?before=   drop completed work, all of it without before
//
// GET /health answers 200 once the server runs; /metrics is mounted by the
// server next to these routes.
//
// # Response Format
//
// Success responses are JSON objects. Errors are JSON {error, details}
// with 404 for not found, 400 for invalid arguments, 409 for operations
// not allowed and 500 otherwise. Times in query parameters are RFC 3339.
package handler
