// Package logx configures batchlog's own structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Level and sinks swappable at runtime (config reload)
//
// The same zerolog levels double as the severity of the events flowing
// through the batching pipeline, see ParseLevel.
package logx
