// Package logging sets up structured logging for pdindex. Server logs
// are written as JSON to a size-rotated file under ~/.pdindex/logs and
// mirrored to stderr, as readable text when stderr is a terminal.
package logging
