package logging

import "context"

// Noop discards everything. Useful as a default in tests that don't care
// about log output.
type Noop struct{}

func (Noop) Debug(context.Context, string, ...any) {}
func (Noop) Info(context.Context, string, ...any)  {}
func (Noop) Warn(context.Context, string, ...any)  {}
func (Noop) Error(context.Context, string, ...any) {}
func (n Noop) With(...any) Logger                  { return n }
