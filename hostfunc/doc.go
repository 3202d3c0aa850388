// Package hostfunc provides ready-made native functions for sandbox
// sessions: a trivial default_func, read-only SQL queries against SQLite
// and a key-value store backed by buntdb.
package hostfunc
