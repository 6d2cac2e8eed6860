// Package logx is the structured logger used across the gateway.
//
// It wraps zerolog behind a small value type so components can derive
// scoped loggers (With) and so sinks can be swapped at runtime (Service.Apply)
// when the config file is hot-reloaded.
package logx
