package device

import (
	"sync"
	"time"

	"github.com/taoyao-code/gcp-host/internal/firmware"
	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
)

// EventKind 事件类型
type EventKind string

const (
	EventConnected       EventKind = "connected"
	EventDisconnected    EventKind = "disconnected"
	EventUpdateRequested EventKind = "update_requested" // 设备发起 FW_UPDATE_REQUEST
	EventUnsolicited     EventKind = "unsolicited"
	EventProgress        EventKind = "progress"
	EventTransferDone    EventKind = "transfer_done"
)

// FrameView 主动帧的 JSON 形式
type FrameView struct {
	MsgType uint16 `json:"msg_type"`
	Name    string `json:"name"`
	Params  []byte `json:"params"`
	Data    []byte `json:"data"`
}

// Event 推送给订阅者的设备事件
type Event struct {
	Kind     EventKind            `json:"kind"`
	Time     time.Time            `json:"time"`
	Port     string               `json:"port,omitempty"`
	Version  *gcp.FirmwareVersion `json:"version,omitempty"`
	Frame    *FrameView           `json:"frame,omitempty"`
	Progress *firmware.Progress   `json:"progress,omitempty"`
	State    string               `json:"state,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// hub 事件扇出；订阅者读取过慢时丢弃事件
type hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newHub() *hub { return &hub{subs: make(map[int]chan Event)} }

func (h *hub) subscribe(buf int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Event, buf)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *hub) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
