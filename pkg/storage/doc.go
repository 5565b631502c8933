// Package storage provides Storage implementations for pkg/queue's
// broker contract.
//
// This package includes:
//   - RedisStorage: the primary broker, backed by go-redis (priority
//     ZSETs per lane plus a scheduled ZSET for delayed/cron/retry jobs)
//   - GormStorage: a SQL-backed alternative for deployments that would
//     rather not run Redis, supporting any GORM dialect
//
// pkg/queue.Storage defines the interface both satisfy; it lives there
// rather than here to avoid an import cycle.
package storage
