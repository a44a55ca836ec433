// Package cluster defines leader election for transfer workers.
package cluster

import "context"

// Coordinator elects one worker to run the periodic health sweeps. Every
// worker still consumes task events regardless of leadership.
type Coordinator interface {
	// Start campaigns for leadership and blocks until ctx is done or Stop
	// is called.
	Start(ctx context.Context) error
	// Stop releases leadership and ends Start.
	Stop() error
	// OnLeadershipChange registers cb, called on every gain or loss of
	// leadership. Register before Start.
	OnLeadershipChange(cb func(isLeader bool))
}
