/*
Package database manages the GORM connection pool behind the control plane:
driver selection, pool sizing, background health checks, and transaction
helpers.

Open builds a gorm handle from a config.DatabaseConfig (postgres, mysql, or
sqlite) and wraps it in a PoolManager. WithTransaction runs a callback in a
single transaction; WithTransactionRetry adds exponential backoff for
transient failures such as deadlocks and serialization errors.
*/
package database
