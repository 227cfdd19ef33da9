// Package router implements the connection router (spec.md §4.5): given a
// target address, it scores every scanner path the fabric manager can see,
// acquires a connection slot or a remote connector, and hands off to a
// Backend to perform the actual GATT connection — releasing whatever it
// acquired on any failure path.
//
// Every acquisition path (slot grant or remote connector claim) is released
// on every exit, including the failure paths, so a failed connection
// attempt never leaks a slot or leaves a connector marked busy.
package router
