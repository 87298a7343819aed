// Package storage persists subscriptions, the notification ledger,
// credential state, admin settings and reference data in a local sqlite
// database.
package storage
