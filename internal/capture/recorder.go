package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/geode-project/geode/internal/intercept"
	"github.com/geode-project/geode/internal/util"
)

const (
	defaultBuffer = 1024
	batchSize     = 128
	flushInterval = 250 * time.Millisecond
)

// Recorder feeds pipeline traces into a Store from a background writer so
// dispatch never waits on the database. Traces arriving while the buffer is
// full are dropped and counted.
type Recorder struct {
	store     *Store
	sessionID func() string
	logger    zerolog.Logger

	ch      chan Record
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool

	written atomic.Int64
	dropped atomic.Int64
}

// NewRecorder creates a recorder. sessionID names the session each trace
// belongs to and may be nil.
func NewRecorder(store *Store, sessionID func() string, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if sessionID == nil {
		sessionID = func() string { return "" }
	}
	return &Recorder{
		store:     store,
		sessionID: sessionID,
		logger:    util.ComponentLogger("capture"),
		ch:        make(chan Record, buffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Observe queues a trace. It matches intercept.ObserverFunc.
func (r *Recorder) Observe(t intercept.Trace) {
	select {
	// Drain whatever is queued, then flush
	case <-r.stop:
		return
	default:
	}

	select {
	case r.ch <- FromTrace(t, r.sessionID()):
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.logger.Warn().Int64("dropped", r.dropped.Load()).Msg("capture buffer full, dropping traces")
		}
	}
}

// Start launches the writer goroutine.
func (r *Recorder) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.loop()
}

// Stop flushes queued records and stops the writer.
func (r *Recorder) Stop() {
	r.once.Do(func() {
		close(r.stop)
		if r.started.Load() {
			<-r.done
		}
	})
}

// Written returns the number of records persisted.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Dropped returns the number of traces lost to a full buffer.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

func (r *Recorder) loop() {
	defer close(r.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.store.Record(batch...); err != nil {
			r.logger.Error().Err(err).Int("records", len(batch)).Msg("failed to write captures")
		} else {
			r.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-r.ch:
			batch = append(batch, rec)
			// Flush full batch
			if len(batch) >= batchSize {
				flush()
			}
		// Flush partial batch
		case <-ticker.C:
			flush()
		case <-r.stop:
			for {
				select {
				case rec := <-r.ch:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}
