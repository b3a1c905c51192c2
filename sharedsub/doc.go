// Package sharedsub implements shared subscription groups, which distribute
// each message of a destination to exactly one of a set of member sessions.
//
// Members are visited round robin, in insertion order, starting after the
// member that received the previous message. A member is eligible if it is
// active, its selector accepts the message, and its [credit.Controller] has
// capacity. A message no member can take is handed back through the group's
// requeue function, to be retried once the group reports it is ready.
//
// Groups are owned by a single scheduler domain and are not safe for
// concurrent use. Mutating methods take the caller's context, which is
// checked against the configured [Asserter].
package sharedsub
