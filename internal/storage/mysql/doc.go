// Package mysql provides repositories and data access helpers backed by MySQL.
// It encapsulates schema management and strongly typed queries for persisting
// tenant secrets and flight-recorder events.
package mysql
