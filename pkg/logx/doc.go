// Package logx is cdecimport's structured logging on top of zerolog.
//
// Console output is human readable with a short file:line caller. The file
// sink writes JSON lines. Service.Apply swaps level and sinks at runtime and
// every Logger derived from the Service follows.
package logx
