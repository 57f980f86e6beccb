// Package broadcast fans group events out to subscribed connections.
//
// Membership is tracked per process: a Broadcaster knows only the connections
// owned by its own Registry. Cross-process fan-out goes through a bus.Bus; a
// process subscribes to a group's bus topic while it has at least one local
// member and delivers every message the bus hands back, including its own.
//
// Lock order: group entry → registry locks. The Registry calls DetachAll
// outside its own locks, so a connection removed while a Subscribe is in
// flight is always stripped from the group afterwards.
package broadcast
