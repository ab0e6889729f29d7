// Package monitor reports filesystem changes for registered paths.
//
// Two backends exist: a native one built on fsnotify and a polling one that
// rescans registered paths on an interval. Both deliver RawEvent values to a
// single callback from a goroutine the monitor owns.
package monitor
