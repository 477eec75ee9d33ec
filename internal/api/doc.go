// Package api exposes the operator REST surface: submitting workflow tasks
// and inspecting their steps and logs while the agents run in the background.
package api
