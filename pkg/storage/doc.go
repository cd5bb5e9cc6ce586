// Package storage opens the audit store selected by configuration.
//
// Every backend implements audit.Store with the same guarantees: records
// are append-only, each one gets a unique id at save time, and listings come
// back in save order.
//
//   - memory: audit.MemoryStore, lost on restart
//   - postgres, sqlite: sqlstore, ordered by an auto-incrementing seq column
//   - redis: redisstore, one list appended with RPUSH
//   - file: filestore, an fsynced NDJSON file replayed on open
//
// Open returns a Backend that also carries the *sql.DB or *redis.Client
// behind the store so callers can wire health checks and pool metrics:
//
//	backend, err := storage.Open(ctx, cfg.Storage)
//	if err != nil {
//		return err
//	}
//	defer backend.Close()
//
//	service := audit.NewService(backend.Store)
package storage
