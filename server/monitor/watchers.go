package monitor

import (
	"slices"

	"github.com/cyclopcam/obstacled/pkg/obstacle"
)

// SYNC-WATCHER-CHANNEL-SIZE
const WatcherChannelSize = 100

// Register to receive the result of every frame.
// The channel is closed when the monitor is closed.
func (m *Monitor) AddWatcher() chan *obstacle.FrameResult {
	m.watchersLock.Lock()
	defer m.watchersLock.Unlock()
	ch := make(chan *obstacle.FrameResult, WatcherChannelSize)
	m.watchers = append(m.watchers, ch)
	return ch
}

// Unregister from frame results
func (m *Monitor) RemoveWatcher(ch chan *obstacle.FrameResult) {
	m.watchersLock.Lock()
	defer m.watchersLock.Unlock()
	for i, w := range m.watchers {
		if w == ch {
			m.watchers = slices.Delete(m.watchers, i, i+1)
			return
		}
	}
	m.Log.Warnf("RemoveWatcher failed to find channel")
}

func (m *Monitor) sendToWatchers(result *obstacle.FrameResult) {
	m.watchersLock.RLock()
	// A watcher that stalls must not stall the frame worker, or the other watchers,
	// so we drop frames for that watcher instead.
	for _, ch := range m.watchers {
		// SYNC-WATCHER-CHANNEL-SIZE
		if len(ch) >= cap(ch)*9/10 {
			m.Log.Warnf("Watcher is falling behind. I am going to drop frames.")
		} else {
			ch <- result
		}
	}
	m.watchersLock.RUnlock()
}
