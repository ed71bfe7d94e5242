package simulator

import (
	"sync"
	"time"

	"github.com/taoyao-code/gcp-host/internal/serialport"
)

// Conn 模拟串口句柄
type Conn struct {
	dev *Device

	mu     sync.Mutex
	out    []byte // 设备 → 主机
	writes int
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

var _ serialport.Port = (*Conn)(nil)

func newConn(d *Device) *Conn {
	return &Conn{dev: d, notify: make(chan struct{}, 1), done: make(chan struct{})}
}

// Write 主机写入；每次调用视为一次物理写
func (c *Conn) Write(p []byte) (int, error) {
	select {
	case <-c.done:
		return 0, serialport.ErrPortClosed
	default:
	}
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	c.dev.receive(c, append([]byte(nil), p...))
	return len(p), nil
}

// Writes 主机 Write 调用次数
func (c *Conn) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// ReadWithTimeout 与真实串口一致：超时返回 (0, nil)
func (c *Conn) ReadWithTimeout(p []byte, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		if len(c.out) > 0 {
			n := copy(p, c.out)
			c.out = c.out[n:]
			c.mu.Unlock()
			return n, nil
		}
		c.mu.Unlock()
		select {
		case <-c.notify:
		case <-timer.C:
			return 0, nil
		case <-c.done:
			return 0, serialport.ErrPortClosed
		}
	}
}

// Close 关闭句柄
func (c *Conn) Close() error {
	c.close()
	return nil
}

func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) push(b []byte) {
	c.mu.Lock()
	c.out = append(c.out, b...)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
