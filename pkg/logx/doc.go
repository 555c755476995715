// Package logx is rulekit's logging: a small Logger value over zerolog and
// a Service that owns the outputs (readable console, JSON file, and an
// optional event sink that surfaces warnings on the event bus, rate
// limited) and swaps them on config reload.
package logx
