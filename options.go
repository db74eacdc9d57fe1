package comux

import (
	"fmt"
	"io"
	"log"

	"github.com/creachadair/jrpc2/metrics"
)

const logFlags = log.LstdFlags | log.Lshortfile

// Options control the behaviour of channels and schedules. A nil
// *Options provides sensible defaults: no logging, no metrics.
type Options struct {
	// If not nil, send debug logs to this writer.
	LogWriter io.Writer

	// If not nil, this collector receives channel and sender statistics.
	Metrics *metrics.M

	// Allows up to the specified number of concurrent dispatch batches
	// in a Schedule. A value less than 1 uses ScheduleIOConcurrencyLimit.
	Concurrency int
}

func (o *Options) logger(prefix string) func(string, ...any) {
	if o == nil || o.LogWriter == nil {
		return func(string, ...any) {}
	}
	logger := log.New(o.LogWriter, prefix, logFlags)
	return func(msg string, args ...any) { logger.Output(2, fmt.Sprintf(msg, args...)) }
}

func (o *Options) metrics() *metrics.M {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *Options) concurrency() int64 {
	if o == nil || o.Concurrency < 1 {
		return ScheduleIOConcurrencyLimit
	}
	return int64(o.Concurrency)
}

// Metric names recorded by Chan and Sender.
const (
	MetricSent       = "chan.sent"
	MetricRecv       = "chan.recv"
	MetricEOF        = "chan.eof"
	MetricEOFDropped = "chan.eof_dropped"
	MetricDiscarded  = "chan.discarded"
	MetricRequeued   = "chan.requeued"
	MetricQueueDepth = "chan.queue_depth"
	MetricLeaked     = "sender.leaked"
)
