// Package logx is stepwise's structured logging layer on top of zerolog.
//
// Components hold a value-type Logger. A Logger obtained from a Service
// follows every later Service.Apply, so level and sink changes on config
// reload reach loggers that were derived long before.
//
// Sinks: a console writer (text or JSON), an optional JSON file, and an
// optional rate-limited stderr alert stream for warnings and errors. Debug
// records can be burst-sampled; per-increment debug output is otherwise the
// loudest thing the daemon writes.
package logx
