// Package database builds PostgreSQL connection strings and pools.
package database
