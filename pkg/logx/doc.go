// Package logx wraps zerolog behind a small, swap-safe logging API.
//
// Components hold a Logger value; the Service owns the sinks (console, file)
// and can re-apply configuration at runtime without invalidating loggers that
// were handed out earlier.
package logx
