// Package watch coordinates rebuilds in watch mode.
//
// A Watcher owns the filesystem monitor, the set of watched paths, and the
// single-flight rebuild state. Raw monitor events travel through a bridge to
// one consumer goroutine, which classifies them and requests rebuilds. Build
// cycles are serialized by the BuildState lock and reported to listeners as
// lifecycle events through an Emitter.
package watch
