// Package logx is pewcore's structured logging front end over zerolog.
//
// A Logger is a small value carrying fixed fields. Loggers derived from a
// Service follow its sinks across Apply, so a config reload changes level
// and outputs without rebuilding components.
package logx
