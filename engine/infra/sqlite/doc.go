// Package sqlite opens modernc.org/sqlite databases with the pragmas the chunk
// store relies on.
package sqlite
