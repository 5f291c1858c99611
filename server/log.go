package server

import (
	"errors"
	"sync"
	"time"
)

var ErrDuplicateId = errors.New("action with same id is already in the log")

// LogHook observes log lifecycle events. `preadd` hooks run synchronously
// before commit and are the last chance to mutate meta. `add` hooks run
// after commit, exactly once per commit, in commit order. `clean` hooks run
// when retention drops an action.
type LogHook func(action Action, meta *Meta)

// MetaPatch is a partial meta update for ChangeMeta.
type MetaPatch struct {
	// Status is applied if non-empty. Once an action reached `processed`
	// or `error` the status never changes again.
	Status string
	// Reasons replaces the reason set if non-nil. An empty set drops
	// the action from the log.
	Reasons []string
}

// Log is the append-only ordered action store the server coordinates
// against. The server relies on: total order of `added` sequence numbers,
// durability before `add` hooks fire, and exactly-once `add` delivery
// per commit.
type Log interface {
	// Add commits an action. Empty id and time are filled from the log's
	// own id discipline. Returns ErrDuplicateId if the id is taken.
	Add(action Action, meta Meta) (*Meta, error)
	// ChangeMeta patches the meta of a committed action.
	// Returns false if the action is not in the log.
	ChangeMeta(id ActionId, patch MetaPatch) bool
	// Each visits retained entries from newest to oldest until the
	// visitor returns false.
	Each(visitor func(action Action, meta *Meta) bool)
	// RemoveReason drops the reason tag everywhere. Actions left with
	// no reasons are removed and reported to `clean` hooks.
	RemoveReason(reason string)

	OnPreadd(hook LogHook) func()
	OnAdd(hook LogHook) func()
	OnClean(hook LogHook) func()
}

type logEntry struct {
	action Action
	meta   *Meta
}

type logEvent struct {
	clean bool
	entry *logEntry
}

// MemoryLog is the default in-process Log. Commit dispatch runs on a single
// logical stream: `add` hooks for commit N finish before commit N+1 is
// dispatched, and an Add from inside a hook is queued, never nested.
type MemoryLog struct {
	nodeId string

	mutex    sync.Mutex
	entries  []*logEntry
	index    map[ActionId]*logEntry
	knownIds map[ActionId]bool
	added    uint64
	lastTime int64
	sequence int

	queueMutex  sync.Mutex
	queue       []logEvent
	dispatching bool

	preaddCallbacks *CallbackList[LogHook]
	addCallbacks    *CallbackList[LogHook]
	cleanCallbacks  *CallbackList[LogHook]
}

func NewMemoryLog(nodeId string) *MemoryLog {
	return &MemoryLog{
		nodeId:          nodeId,
		index:           map[ActionId]*logEntry{},
		knownIds:        map[ActionId]bool{},
		preaddCallbacks: NewCallbackList[LogHook](),
		addCallbacks:    NewCallbackList[LogHook](),
		cleanCallbacks:  NewCallbackList[LogHook](),
	}
}

func (self *MemoryLog) OnPreadd(hook LogHook) func() {
	return self.preaddCallbacks.Add(hook)
}

func (self *MemoryLog) OnAdd(hook LogHook) func() {
	return self.addCallbacks.Add(hook)
}

func (self *MemoryLog) OnClean(hook LogHook) func() {
	return self.cleanCallbacks.Add(hook)
}

func (self *MemoryLog) generateId() ActionId {
	now := time.Now().UnixMilli()
	if now <= self.lastTime {
		self.sequence += 1
		return ActionId{Time: self.lastTime, NodeId: self.nodeId, Seq: self.sequence}
	}
	self.lastTime = now
	self.sequence = 0
	return ActionId{Time: now, NodeId: self.nodeId, Seq: 0}
}

func (self *MemoryLog) Add(action Action, meta Meta) (*Meta, error) {
	self.mutex.Lock()

	if meta.Id.IsZero() {
		meta.Id = self.generateId()
	} else if meta.Id.NodeId == self.nodeId && self.lastTime < meta.Id.Time {
		self.lastTime = meta.Id.Time
		self.sequence = meta.Id.Seq
	}
	if meta.Time == 0 {
		meta.Time = meta.Id.Time
	}

	// ids are remembered past retention so a duplicate of a cleaned
	// action is still rejected and never routed twice
	if self.knownIds[meta.Id] {
		self.mutex.Unlock()
		return nil, ErrDuplicateId
	}
	self.knownIds[meta.Id] = true

	entry := &logEntry{action: action, meta: &meta}
	for _, preadd := range self.preaddCallbacks.Get() {
		preadd(entry.action, entry.meta)
	}

	self.added += 1
	meta.Added = self.added

	retained := 0 < len(meta.Reasons)
	if retained {
		self.entries = append(self.entries, entry)
		self.index[meta.Id] = entry
	}
	// enqueued under the state mutex so hooks observe commit order
	self.enqueue(logEvent{entry: entry})
	if !retained {
		// delivered but not retained, clean right after add
		self.enqueue(logEvent{entry: entry, clean: true})
	}
	self.mutex.Unlock()

	self.dispatch()
	return entry.meta, nil
}

func (self *MemoryLog) enqueue(event logEvent) {
	self.queueMutex.Lock()
	self.queue = append(self.queue, event)
	self.queueMutex.Unlock()
}

// dispatch serializes add/clean hook delivery. A call that finds another
// dispatcher running returns, the running dispatcher drains the queue, so
// hooks for commit N always complete before commit N+1 is reported and a
// reentrant Add from inside a hook never nests.
func (self *MemoryLog) dispatch() {
	self.queueMutex.Lock()
	if self.dispatching {
		self.queueMutex.Unlock()
		return
	}
	self.dispatching = true
	self.queueMutex.Unlock()

	for {
		self.queueMutex.Lock()
		if len(self.queue) == 0 {
			self.dispatching = false
			self.queueMutex.Unlock()
			return
		}
		next := self.queue[0]
		self.queue = self.queue[1:]
		self.queueMutex.Unlock()

		var callbacks []LogHook
		if next.clean {
			callbacks = self.cleanCallbacks.Get()
		} else {
			callbacks = self.addCallbacks.Get()
		}
		for _, callback := range callbacks {
			callback(next.entry.action, next.entry.meta)
		}
	}
}

func (self *MemoryLog) ChangeMeta(id ActionId, patch MetaPatch) bool {
	self.mutex.Lock()

	entry, ok := self.index[id]
	if !ok {
		self.mutex.Unlock()
		return false
	}

	if patch.Status != "" {
		switch entry.meta.Status {
		case StatusProcessed, StatusError:
			// terminal, keep
		default:
			entry.meta.Status = patch.Status
		}
	}
	if patch.Reasons != nil {
		entry.meta.Reasons = patch.Reasons
		if len(patch.Reasons) == 0 {
			self.remove(entry)
			self.enqueue(logEvent{entry: entry, clean: true})
		}
	}
	self.mutex.Unlock()

	self.dispatch()
	return true
}

func (self *MemoryLog) Each(visitor func(action Action, meta *Meta) bool) {
	self.mutex.Lock()
	snapshot := make([]*logEntry, len(self.entries))
	copy(snapshot, self.entries)
	self.mutex.Unlock()

	for i := len(snapshot) - 1; 0 <= i; i -= 1 {
		if !visitor(snapshot[i].action, snapshot[i].meta) {
			return
		}
	}
}

func (self *MemoryLog) RemoveReason(reason string) {
	self.mutex.Lock()
	cleaned := []*logEntry{}
	for _, entry := range self.entries {
		if !hasString(entry.meta.Reasons, reason) {
			continue
		}
		reasons := []string{}
		for _, r := range entry.meta.Reasons {
			if r != reason {
				reasons = append(reasons, r)
			}
		}
		entry.meta.Reasons = reasons
		if len(reasons) == 0 {
			cleaned = append(cleaned, entry)
		}
	}
	for _, entry := range cleaned {
		self.remove(entry)
		self.enqueue(logEvent{entry: entry, clean: true})
	}
	self.mutex.Unlock()

	self.dispatch()
}

// callers must hold mutex
func (self *MemoryLog) remove(entry *logEntry) {
	delete(self.index, entry.meta.Id)
	for i, e := range self.entries {
		if e == entry {
			self.entries = append(self.entries[0:i], self.entries[i+1:]...)
			break
		}
	}
}
