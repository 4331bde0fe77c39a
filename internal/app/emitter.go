package app

import "batchlog/internal/event"

// Emitter is the logging facade handed to application code. Its methods
// never block on delivery.
type Emitter struct {
	app  *App
	name string
	ctx  map[string]string
}

// Logger returns an emitter for the named logger.
func (a *App) Logger(name string) Emitter {
	return Emitter{app: a, name: name}
}

// With returns an emitter that attaches key=value to every event.
func (e Emitter) With(key, value string) Emitter {
	ctx := make(map[string]string, len(e.ctx)+1)
	for k, v := range e.ctx {
		ctx[k] = v
	}
	ctx[key] = value
	e.ctx = ctx
	return e
}

func (e Emitter) Trace(msg string, args ...any) { e.Log(event.LevelTrace, msg, args...) }
func (e Emitter) Debug(msg string, args ...any) { e.Log(event.LevelDebug, msg, args...) }
func (e Emitter) Info(msg string, args ...any)  { e.Log(event.LevelInfo, msg, args...) }
func (e Emitter) Warn(msg string, args ...any)  { e.Log(event.LevelWarn, msg, args...) }
func (e Emitter) Error(msg string, args ...any) { e.Log(event.LevelError, msg, args...) }

// Log emits msg with {} placeholders filled from args. A trailing error
// argument becomes the event cause.
func (e Emitter) Log(level event.Level, msg string, args ...any) {
	e.app.Emit(event.New(e.name, level, msg, args...).WithContext(e.ctx))
}
