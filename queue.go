package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Permit represents a granted identify slot. Release must be called once the
// identify attempt has resolved. Releasing more than once is a no-op, and an
// abandoned permit is reclaimed automatically after the hold timeout.
type Permit struct {
	once sync.Once
	done chan struct{}
}

func (p *Permit) Release() {
	p.once.Do(func() {
		close(p.done)
	})
}

type permitRequest struct {
	shardID int32
	grant   chan *Permit
	ctx     context.Context
}

// ConnectQueue serialises identify attempts per rate limit bucket. Shards in
// the same bucket identify strictly one at a time with a minimum spacing
// between consecutive grants, waiters are served in arrival order.
type ConnectQueue struct {
	logger *slog.Logger

	concurrency int32
	spacing     time.Duration
	holdTimeout time.Duration

	buckets []chan *permitRequest

	closeOnce sync.Once
	closed    chan struct{}
}

func NewConnectQueue(logger *slog.Logger, concurrency int32, spacing, holdTimeout time.Duration) (*ConnectQueue, error) {
	if concurrency < 1 {
		return nil, ErrQueueInvalidLimit
	}

	queue := &ConnectQueue{
		logger:      logger.With("subsystem", "connect_queue"),
		concurrency: concurrency,
		spacing:     spacing,
		holdTimeout: holdTimeout,
		buckets:     make([]chan *permitRequest, concurrency),
		closed:      make(chan struct{}),
	}

	for i := range queue.buckets {
		queue.buckets[i] = make(chan *permitRequest, 64)

		go queue.arbiter(int32(i), queue.buckets[i])
	}

	return queue, nil
}

// Wait blocks until the caller's bucket grants an identify slot or ctx is
// cancelled. On success the returned permit must be released once the
// identify attempt has resolved.
func (cq *ConnectQueue) Wait(ctx context.Context, shardID int32) (*Permit, error) {
	bucket := shardID % cq.concurrency

	request := &permitRequest{
		shardID: shardID,
		grant:   make(chan *Permit, 1),
		ctx:     ctx,
	}

	start := time.Now()

	select {
	case cq.buckets[bucket] <- request:
	case <-cq.closed:
		return nil, ErrQueueShuttingDown
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case permit := <-request.grant:
		RecordIdentifyWait(bucket, time.Since(start))

		return permit, nil
	case <-cq.closed:
		return nil, ErrQueueShuttingDown
	case <-ctx.Done():
		// The arbiter may grant concurrently with cancellation. Release
		// the permit so the bucket is not blocked waiting for a shard
		// that has already given up.
		select {
		case permit := <-request.grant:
			permit.Release()
		default:
		}

		return nil, ctx.Err()
	}
}

func (cq *ConnectQueue) Close() {
	cq.closeOnce.Do(func() {
		close(cq.closed)
	})
}

// arbiter owns a single bucket. It grants permits FIFO, waits for each grant
// to be released before spacing out the next one.
func (cq *ConnectQueue) arbiter(bucket int32, requests chan *permitRequest) {
	var lastGrant time.Time

	for {
		var request *permitRequest

		select {
		case request = <-requests:
		case <-cq.closed:
			return
		}

		if request.ctx.Err() != nil {
			continue
		}

		if wait := cq.spacing - time.Since(lastGrant); wait > 0 {
			select {
			case <-time.After(wait):
			case <-cq.closed:
				return
			}
		}

		permit := &Permit{done: make(chan struct{})}

		request.grant <- permit
		lastGrant = time.Now()

		cq.logger.Debug("Granted identify slot", "shard_id", request.shardID, "bucket", bucket)

		select {
		case <-permit.done:
		case <-time.After(cq.holdTimeout):
			cq.logger.Warn("Reclaimed identify slot after hold timeout", "shard_id", request.shardID, "bucket", bucket)
		case <-cq.closed:
			return
		}
	}
}
