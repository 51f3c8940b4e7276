package analytics

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/liveaudio/backend/internal/models"
)

// PointWriter is the persistence slice the recorder needs.
type PointWriter interface {
	InsertPoints(ctx context.Context, points []models.AnalyticsPoint) error
	AppendAccessLog(ctx context.Context, log *models.AccessLog) error
}

// Recorder decouples fact recording from the hot realtime path. Enqueues
// never block: when the buffer is full the write is dropped and counted.
// Analytics are advisory, audio coordination is not allowed to stall on
// them.
type Recorder struct {
	writer  PointWriter
	logger  *zap.Logger
	points  chan models.AnalyticsPoint
	logs    chan models.AccessLog
	dropped atomic.Int64
	done    chan struct{}
}

const (
	recorderBuffer     = 1024
	recorderFlushEvery = 2 * time.Second
	recorderBatchMax   = 256
)

func NewRecorder(writer PointWriter, logger *zap.Logger) *Recorder {
	return &Recorder{
		writer: writer,
		logger: logger,
		points: make(chan models.AnalyticsPoint, recorderBuffer),
		logs:   make(chan models.AccessLog, recorderBuffer),
		done:   make(chan struct{}),
	}
}

// RecordPoint enqueues a metric point, dropping it when the buffer is full.
func (r *Recorder) RecordPoint(p models.AnalyticsPoint) {
	select {
	case r.points <- p:
	default:
		r.dropped.Add(1)
	}
}

// RecordAccess enqueues a listener fact, dropping it when the buffer is full.
func (r *Recorder) RecordAccess(l models.AccessLog) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	select {
	case r.logs <- l:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many writes were discarded because the buffer was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run drains the queues until ctx is cancelled, batching point inserts per
// flush tick. Persistence errors are logged; the queued data is lost but the
// recorder keeps running.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(recorderFlushEvery)
	defer ticker.Stop()

	var batch []models.AnalyticsPoint
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.writer.InsertPoints(context.Background(), batch); err != nil {
			r.logger.Warn("analytics point flush failed", zap.Int("count", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	writeLog := func(l models.AccessLog) {
		if err := r.writer.AppendAccessLog(context.Background(), &l); err != nil {
			r.logger.Warn("access log write failed", zap.Error(err))
		}
	}

	// Everything still queued at shutdown gets written out.
	drain := func() {
		for {
			select {
			case p := <-r.points:
				batch = append(batch, p)
			case l := <-r.logs:
				writeLog(l)
			default:
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			flush()
			return
		case p := <-r.points:
			batch = append(batch, p)
			if len(batch) >= recorderBatchMax {
				flush()
			}
		case l := <-r.logs:
			writeLog(l)
		case <-ticker.C:
			flush()
			if n := r.dropped.Load(); n > 0 {
				r.logger.Warn("analytics writes dropped", zap.Int64("total", n))
			}
		}
	}
}

// Wait blocks until Run has flushed and returned.
func (r *Recorder) Wait() {
	<-r.done
}
