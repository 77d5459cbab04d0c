// Package session provides execution backend implementations of the
// ports.Session contract.
//
// The factory creates sessions based on the worker's backend configuration.
// Currently supports:
//   - subprocess: runs a task command per request, JSON over stdin/stdout
//   - anthropic: executes the payload as an Anthropic Messages API call
package session
