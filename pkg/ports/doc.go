// Package ports defines the interfaces between the dispatcher core and its
// external collaborators: execution session backends, the event bus, the
// metrics collector and the completed-task history store.
//
// The dispatcher depends only on these interfaces, never on a specific
// backend's internals.
package ports
