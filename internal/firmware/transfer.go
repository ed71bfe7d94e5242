package firmware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State 传输状态
type State int

const (
	StateIdle State = iota
	StateStarting
	StateTransferring
	StateVerifying
	StateCompleted
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateTransferring:
		return "transferring"
	case StateVerifying:
		return "verifying"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText JSON 中以名称输出
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// Progress 进度快照
type Progress struct {
	TransferID  string        `json:"transfer_id"`
	Stage       State         `json:"stage"`
	ChunkIndex  int           `json:"chunk_index"`
	TotalChunks int           `json:"total_chunks"`
	BytesSent   int           `json:"bytes_sent"`
	TotalBytes  int           `json:"total_bytes"`
	Percentage  float64       `json:"percentage"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

// ProgressFunc 进度回调
type ProgressFunc func(Progress)

// Result 传输成功结果
type Result struct {
	ID        string        `json:"id"`
	State     State         `json:"state"`
	ChunkSize int           `json:"chunk_size"`
	Chunks    int           `json:"chunks"`
	Bytes     int           `json:"bytes"`
	CRC32     uint32        `json:"crc32"`
	Duration  time.Duration `json:"duration_ns"`
}

// Reason 失败原因
type Reason string

const (
	ReasonStartRejected  Reason = "start_rejected"
	ReasonExchangeFailed Reason = "exchange_failed"
	ReasonCRCMismatch    Reason = "crc_mismatch"
)

// ErrAborted 传输被放弃（Abort 或 ctx 取消）
var ErrAborted = errors.New("firmware: transfer aborted")

// TransferError 传输失败
type TransferError struct {
	ID     string
	State  State // 失败时所处阶段
	Offset int
	Reason Reason
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("firmware: transfer %s failed while %s at offset %d (%s): %v",
		e.ID, e.State, e.Offset, e.Reason, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Transfer 进行中的一次传输
type Transfer struct {
	id        string
	img       *Image
	startedAt time.Time
	onProg    ProgressFunc

	mu     sync.Mutex
	state  State
	chunk  int
	off    int
	chunks int
	last   Progress
	result *Result
	err    error

	progress  chan Progress
	abortCh   chan struct{}
	abortOnce sync.Once
	done      chan struct{}
}

func newTransfer(id string, img *Image, chunk int, fn ProgressFunc) *Transfer {
	return &Transfer{
		id:        id,
		img:       img,
		startedAt: time.Now(),
		onProg:    fn,
		state:     StateIdle,
		chunk:     chunk,
		progress:  make(chan Progress, 16),
		abortCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID 传输编号
func (t *Transfer) ID() string { return t.id }

// Image 传输的镜像
func (t *Transfer) Image() *Image { return t.img }

// State 当前状态
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Snapshot 最近一次进度
func (t *Transfer) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Progress 进度通道；读取落后时跳过中间进度，结束后关闭
func (t *Transfer) Progress() <-chan Progress { return t.progress }

// Abort 请求放弃，于下一个块边界生效
func (t *Transfer) Abort() {
	t.abortOnce.Do(func() { close(t.abortCh) })
}

// Done 传输结束时关闭
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Wait 等待结束
func (t *Transfer) Wait() (*Result, error) {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Err 结束后的错误；未结束时为 nil
func (t *Transfer) Err() error {
	select {
	case <-t.done:
	default:
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transfer) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Transfer) abortRequested(ctx context.Context) bool {
	select {
	case <-t.abortCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (t *Transfer) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Transfer) setChunk(c int) {
	t.mu.Lock()
	t.chunk = c
	t.mu.Unlock()
}

func (t *Transfer) setOffset(off int) {
	t.mu.Lock()
	t.off = off
	t.chunks++
	t.mu.Unlock()
}

func (t *Transfer) offset() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.off
}

func (t *Transfer) chunksDone() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunks
}

// totalChunks ceil(size / chunk)
func (t *Transfer) totalChunks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return (t.img.Size() + t.chunk - 1) / t.chunk
}

// emit 记录进度并通知回调与通道
func (t *Transfer) emit(index, sent int) {
	t.mu.Lock()
	total := t.img.Size()
	p := Progress{
		TransferID:  t.id,
		Stage:       t.state,
		ChunkIndex:  index,
		TotalChunks: (total + t.chunk - 1) / t.chunk,
		BytesSent:   sent,
		TotalBytes:  total,
		Percentage:  float64(sent) * 100 / float64(total),
		Elapsed:     time.Since(t.startedAt),
	}
	t.last = p
	t.mu.Unlock()

	if t.onProg != nil {
		t.onProg(p)
	}
	select {
	case t.progress <- p:
	default:
		// 通道满时丢弃最旧的一条
		select {
		case <-t.progress:
		default:
		}
		select {
		case t.progress <- p:
		default:
		}
	}
}

// fail 以 TransferError 结束
func (t *Transfer) fail(reason Reason, err error) error {
	t.mu.Lock()
	te := &TransferError{ID: t.id, State: t.state, Offset: t.off, Reason: reason, Err: err}
	t.state = StateFailed
	t.mu.Unlock()
	t.emit(t.chunksDone(), t.offset())
	return te
}

func (t *Transfer) finish(res *Result, err error) {
	t.mu.Lock()
	t.result = res
	t.err = err
	t.mu.Unlock()
	close(t.progress)
	close(t.done)
}
