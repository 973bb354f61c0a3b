package nvme

import (
	"exoscore/kernel"
	"exoscore/kernel/kfmt"
	"exoscore/kernel/sync"
	"time"
)

// queuePair owns one submission/completion ring and the doorbell pair that
// drives it. The admin queue pair (qid 0) and the single I/O queue pair
// (qid 1) are both instances of this type; the submit/poll logic is
// identical between them in original_source (NVMeSubmitAdminCommand in
// NVMe-Admin.c and NVMeSubmitIoCommand in NVMe-IO.c differ only in which
// rings and doorbell index they touch), so it is shared here rather than
// duplicated.
type queuePair struct {
	mu sync.Spinlock

	qid uint32

	sq        queueBuffer
	cq        queueBuffer
	sqEntries uint32
	cqEntries uint32

	sqTail  uint32
	cqHead  uint32
	cqPhase uint8

	nextCommandID uint16

	mmioBase uintptr
	dbStride uint32

	mismatchWarn *kernel.RateLimiter
	timeoutWarn  *kernel.RateLimiter
}

func newQueuePair(qid uint32, mmioBase uintptr, dbStride uint32, sqEntries, cqEntries uint32, sqEntrySize, cqEntrySize uint32) (*queuePair, bool) {
	sq, ok := allocateQueueBuffer(uintptr(sqEntries) * uintptr(sqEntrySize))
	if !ok {
		return nil, false
	}
	cq, ok := allocateQueueBuffer(uintptr(cqEntries) * uintptr(cqEntrySize))
	if !ok {
		sq.free()
		return nil, false
	}

	return &queuePair{
		qid:           qid,
		sq:            sq,
		cq:            cq,
		sqEntries:     sqEntries,
		cqEntries:     cqEntries,
		cqPhase:       1,
		nextCommandID: 1,
		mmioBase:      mmioBase,
		dbStride:      dbStride,
		mismatchWarn:  kernel.NewRateLimiter(3, time.Second),
		timeoutWarn:   kernel.NewRateLimiter(3, time.Second),
	}, true
}

func (q *queuePair) free() {
	q.sq.free()
	q.cq.free()
}

func (q *queuePair) warn(limiter *kernel.RateLimiter, format string, args ...interface{}) {
	if trigger, _ := limiter.ShouldTrigger(); trigger {
		kfmt.Logf(kfmt.LevelWarning, "nvme", format, args...)
	}
}

// submit copies cmd into the next SQ slot, rings the doorbell, and polls the
// CQ for a matching completion. It implements the ordered sequence from
// spec: advance tail, barrier, ring doorbell, poll phase bit, validate cid,
// advance head and ring the CQ doorbell on wrap.
func (q *queuePair) submit(cmd command) (completion, bool) {
	q.mu.Acquire()
	defer q.mu.Release()

	commandID := q.nextCommandID
	q.nextCommandID++
	if q.nextCommandID == 0 {
		q.nextCommandID = 1
	}
	cmd.commandID = commandID

	tail := q.sqTail
	entry := q.sq.bytes()[uintptr(tail)*commandSize : uintptr(tail+1)*commandSize]
	cmd.encodeInto(entry)
	q.sqTail = (tail + 1) % q.sqEntries

	sqDoorbell := doorbellOffset + sqTailDoorbell(int(q.qid), q.dbStride)
	writeReg32(q.mmioBase, sqDoorbell, q.sqTail)

	head := q.cqHead
	phase := q.cqPhase
	start := time.Now()

	for loop := 0; loop < commandTimeoutLoops; loop++ {
		if time.Since(start) >= commandTimeoutMS*time.Millisecond {
			break
		}

		raw := q.cq.bytes()[uintptr(head)*completionSize : uintptr(head+1)*completionSize]
		entryStatus := decodeCompletion(raw)
		if phaseBit(entryStatus.status) != phase {
			continue
		}

		head++
		if head >= q.cqEntries {
			head = 0
			phase ^= 1
		}
		q.cqHead = head
		q.cqPhase = phase

		cqDoorbell := doorbellOffset + cqHeadDoorbell(int(q.qid), q.dbStride)
		writeReg32(q.mmioBase, cqDoorbell, head)

		if entryStatus.sqID != uint16(q.qid) {
			q.warn(q.mismatchWarn, "unexpected SQID %#x expected %#x", entryStatus.sqID, q.qid)
		}
		if uint32(entryStatus.sqHead) >= q.sqEntries {
			q.warn(q.mismatchWarn, "invalid SQ head %#x entries %#x", entryStatus.sqHead, q.sqEntries)
		}

		if entryStatus.commandID != commandID {
			q.warn(q.mismatchWarn, "completion id %#x expected %#x", entryStatus.commandID, commandID)
			continue
		}

		return entryStatus, true
	}

	q.warn(q.timeoutWarn, "command timeout opcode=%#x cid=%#x", cmd.opcode, commandID)
	return completion{}, false
}
