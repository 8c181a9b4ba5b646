// Package domain contains the core entities of the storyboard backend:
// generation tasks with their per-type parameters, agent sessions, and the
// events a session appends to its log. It is independent of any storage or
// delivery mechanism.
package domain
