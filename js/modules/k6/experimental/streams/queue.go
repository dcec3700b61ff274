package streams

import (
	"math"
)

// valueWithSize is an entry of a [queueWithSizes].
type valueWithSize struct {
	value any
	size  float64
}

// queueWithSizes implements the [queue-with-sizes] internal slots a
// controller uses to track its buffered chunks and their total size.
//
// [queue-with-sizes]: https://streams.spec.whatwg.org/#queue-with-sizes
type queueWithSizes struct {
	items     []valueWithSize
	totalSize float64
}

// enqueue implements the [EnqueueValueWithSize] algorithm. It returns
// false, leaving the queue untouched, if size is negative, NaN or infinite:
// the caller raises the RangeError.
//
// [EnqueueValueWithSize]: https://streams.spec.whatwg.org/#enqueue-value-with-size
func (q *queueWithSizes) enqueue(value any, size float64) bool {
	if !isNonNegativeNumber(size) || math.IsInf(size, 1) {
		return false
	}

	q.items = append(q.items, valueWithSize{value: value, size: size})
	q.totalSize += size
	return true
}

// dequeue implements the [DequeueValue] algorithm.
//
// [DequeueValue]: https://streams.spec.whatwg.org/#dequeue-value
func (q *queueWithSizes) dequeue() any {
	head := q.items[0]
	q.items[0] = valueWithSize{}
	q.items = q.items[1:]

	q.totalSize -= head.size
	// Rounding errors can leave a small negative residue.
	if q.totalSize < 0 {
		q.totalSize = 0
	}

	return head.value
}

// peek implements the [PeekQueueValue] algorithm.
//
// [PeekQueueValue]: https://streams.spec.whatwg.org/#peek-queue-value
func (q *queueWithSizes) peek() any {
	return q.items[0].value
}

// reset implements the [ResetQueue] algorithm.
//
// [ResetQueue]: https://streams.spec.whatwg.org/#reset-queue
func (q *queueWithSizes) reset() {
	q.items = nil
	q.totalSize = 0
}

func (q *queueWithSizes) len() int {
	return len(q.items)
}
