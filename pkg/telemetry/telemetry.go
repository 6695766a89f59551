package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Step struct {
	Name     string  `json:"name"`
	Duration float64 `json:"duration_ms"`
}

type Trace struct {
	Name     string    `json:"name"`
	Start    time.Time `json:"start"`
	Steps    []Step    `json:"steps"`
	TotalMS  float64   `json:"total_ms"`
	lastMark time.Time
	tel      *Telemetry
}

// Telemetry manages async writing of slow traces to per-op files.
type Telemetry struct {
	dir              string
	mu               sync.Mutex
	files            map[string]*os.File
	buffers          map[string]*bufio.Writer
	traces           chan *Trace
	stopCh           chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup
	flushInt         time.Duration
	maxFileSizeBytes int64
	bufferSize       int
	slow             time.Duration
}

type Options struct {
	Dir           string
	BufferSize    int
	QueueCapacity int
	FlushInterval time.Duration
	MaxFileSize   int64
	// SlowThreshold drops traces faster than it; zero keeps everything.
	SlowThreshold time.Duration
}

var (
	globalMu sync.RWMutex
	tel      *Telemetry
)

// Init initializes the global telemetry instance.
func Init(opts Options) error {
	t, err := New(opts)
	if err != nil {
		return err
	}
	globalMu.Lock()
	tel = t
	globalMu.Unlock()
	return nil
}

// Track starts a new trace on the global instance. Without Init the trace
// is a no-op.
func Track(name string) *Trace {
	globalMu.RLock()
	t := tel
	globalMu.RUnlock()
	if t == nil {
		now := time.Now()
		return &Trace{Name: name, Start: now, lastMark: now}
	}
	return t.Track(name)
}

// Close stops the global telemetry instance.
func Close() {
	globalMu.Lock()
	t := tel
	tel = nil
	globalMu.Unlock()
	if t != nil {
		t.Close()
	}
}

// New creates a new telemetry subsystem with async background writer.
func New(opts Options) (*Telemetry, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1024
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64 * 1024
	}
	t := &Telemetry{
		dir:              opts.Dir,
		files:            make(map[string]*os.File),
		buffers:          make(map[string]*bufio.Writer),
		traces:           make(chan *Trace, opts.QueueCapacity),
		stopCh:           make(chan struct{}),
		flushInt:         opts.FlushInterval,
		maxFileSizeBytes: opts.MaxFileSize,
		bufferSize:       opts.BufferSize,
		slow:             opts.SlowThreshold,
	}
	t.wg.Add(1)
	go t.writerLoop()
	return t, nil
}

// Track starts a new trace that is automatically linked to this telemetry.
func (t *Telemetry) Track(name string) *Trace {
	now := time.Now()
	return &Trace{
		Name:     name,
		Start:    now,
		lastMark: now,
		tel:      t,
	}
}

// Mark records the elapsed duration since last mark.
func (tr *Trace) Mark(label string) {
	now := time.Now()
	delta := now.Sub(tr.lastMark).Seconds() * 1000
	tr.Steps = append(tr.Steps, Step{Name: label, Duration: delta})
	tr.lastMark = now
}

// Finish finalizes the trace and enqueues it for background writing.
// Safe to call multiple times or via defer.
func (tr *Trace) Finish() {
	t := tr.tel
	if t == nil {
		return
	}
	tr.tel = nil
	elapsed := time.Since(tr.Start)
	if elapsed < t.slow {
		return
	}
	tr.TotalMS = elapsed.Seconds() * 1000

	var sum float64
	for _, s := range tr.Steps {
		sum += s.Duration
	}
	if remaining := tr.TotalMS - sum; remaining > 0.001 {
		tr.Steps = append(tr.Steps, Step{Name: "unmarked", Duration: remaining})
	}

	select {
	case t.traces <- tr:
	case <-t.stopCh:
	default:
		// queue full: drop rather than stall a hot path
	}
}

func (t *Telemetry) writerLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.flushInt)
	defer ticker.Stop()

	write := func(tr *Trace) {
		data, err := json.Marshal(tr)
		if err != nil {
			return
		}
		t.mu.Lock()
		if b := t.getBufferFor(tr.Name); b != nil {
			b.Write(data)
			b.WriteByte('\n')
		}
		t.mu.Unlock()
	}

	for {
		select {
		case tr := <-t.traces:
			if tr != nil {
				write(tr)
			}

		case <-ticker.C:
			t.mu.Lock()
			for name, b := range t.buffers {
				b.Flush()
				f := t.files[name]
				if t.maxFileSizeBytes <= 0 {
					continue
				}
				if fi, err := f.Stat(); err == nil && fi.Size() > t.maxFileSizeBytes {
					// truncate and recreate file when > max size
					f.Close()
					newF, err := os.OpenFile(f.Name(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
					if err != nil {
						delete(t.files, name)
						delete(t.buffers, name)
						continue
					}
					t.files[name] = newF
					t.buffers[name] = bufio.NewWriterSize(newF, t.bufferSize)
				}
			}
			t.mu.Unlock()

		case <-t.stopCh:
			for {
				select {
				case tr := <-t.traces:
					write(tr)
					continue
				default:
				}
				break
			}
			t.mu.Lock()
			for _, b := range t.buffers {
				b.Flush()
			}
			for _, f := range t.files {
				f.Sync()
				f.Close()
			}
			t.mu.Unlock()
			return
		}
	}
}

func (t *Telemetry) getBufferFor(op string) *bufio.Writer {
	if b, ok := t.buffers[op]; ok {
		return b
	}
	path := filepath.Join(t.dir, fmt.Sprintf("%s.jsonl", op))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: failed to open %s: %v\n", path, err)
		return nil
	}
	b := bufio.NewWriterSize(f, t.bufferSize)
	t.files[op] = f
	t.buffers[op] = b
	return b
}

// Close stops background writer and flushes all remaining data.
func (t *Telemetry) Close() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.wg.Wait()
	})
}
