// Package notify delivers session completion notifications.
package notify

import "github.com/zenclaude/zenclaude/internal/domain"

// Notifier is told when a session reaches a terminal status. Failures are
// the notifier's problem; the engine never blocks on delivery.
type Notifier interface {
	SessionComplete(sessionID string, status domain.SessionStatus, task string)
}

// NoopNotifier discards notifications.
type NoopNotifier struct{}

func (NoopNotifier) SessionComplete(sessionID string, status domain.SessionStatus, task string) {}
