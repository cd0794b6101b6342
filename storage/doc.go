// Package storage provides the SQLite persistence layer: the message and
// chat DAO behind the lifecycle ledger, and a reference-counted blob
// store for payload bytes shared between the send pipeline and the UI.
package storage
