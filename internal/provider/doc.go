// Package provider defines the boundary between the task engine and the
// external generative-AI services that do the actual work.
//
// A provider is either synchronous (the result comes back from a single
// call) or asynchronous (the provider returns a job id that is polled until
// it finishes). The Registry maps every task type to exactly one provider.
//
// Implementations live in this package: a Gemini-backed describer for the
// image and video description types, an HTTP gateway client for the
// generation types, and deterministic mocks for tests and local development.
package provider
