// Package api exposes the control-plane REST surface: governed invocations,
// recursive delegation, session management, the human approval queue, and
// audit artifacts such as flight records and forensic checkpoints.
package api
