// Package storage is the durable row store behind the bot.
//
// Every table is an ordered list of keyed rows. Reads return rows in first
// insertion order; BatchUpsert rewrites existing rows in place and appends
// the rest. Drivers: memory, file, sqlite, postgres, dynamodb.
package storage
