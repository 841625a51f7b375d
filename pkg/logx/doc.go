// Package logx wraps zerolog behind a small structured-logging API with
// runtime-reconfigurable console and file sinks.
package logx
