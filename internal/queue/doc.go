// Package queue persists the transfer history in SQLite.
//
// Every job that reaches a terminal state is recorded once with its track,
// title, recorder mode, final state, human-readable cause and any
// recoverable annotations, plus the slot and size it occupies when it was
// committed. The CLI lists the history and the status API serves it.
//
// The database is a log of outcomes, not a work queue: jobs live in memory
// while they run. Schema changes bump the version in schema.go; users clear
// the database to adopt the new schema.
package queue
