package manager

import (
	"sync"

	"github.com/bitswalk/fetchkit/src/fetchkit/resource"
)

// Notification names published on the external bus.
const (
	NotificationDownloadDidStart         = "fetchkit.download.didStart"
	NotificationDownloadDidStartTransfer = "fetchkit.download.didStartTransfer"
	NotificationDownloadDidFinish        = "fetchkit.download.didFinish"
	NotificationDownloadError            = "fetchkit.download.error"
)

// Notification is one event on the coarse external bus. The downloadable is
// the subject when the event concerns a single transfer.
type Notification struct {
	Name         string
	ResourceID   string
	Downloadable *resource.Downloadable
	Err          error
}

// NotificationCenter is a minimal process-wide pub/sub bus for coarse
// observers that do not want to register with a manager.
type NotificationCenter struct {
	mu   sync.RWMutex
	subs map[string][]func(Notification)
}

// DefaultCenter is the process-wide bus managers publish to.
var DefaultCenter = NewNotificationCenter()

// NewNotificationCenter creates an empty bus.
func NewNotificationCenter() *NotificationCenter {
	return &NotificationCenter{subs: make(map[string][]func(Notification))}
}

// Subscribe registers a handler for a notification name. Handlers run on the
// publishing goroutine and must not block.
func (c *NotificationCenter) Subscribe(name string, handler func(Notification)) {
	c.mu.Lock()
	c.subs[name] = append(c.subs[name], handler)
	c.mu.Unlock()
}

// Publish delivers a notification to every handler of its name.
func (c *NotificationCenter) Publish(n Notification) {
	c.mu.RLock()
	handlers := c.subs[n.Name]
	c.mu.RUnlock()
	for _, h := range handlers {
		h(n)
	}
}
