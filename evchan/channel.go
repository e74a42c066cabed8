// Package evchan implements the per-topic event channels of §4.E: one
// memory-mapped file per (module, datastore, kind), laid out as a fixed
// header, a payload area sized to the event being delivered, and a reply
// slot per expected subscriber. Publishers write the payload and reset the
// reply slots before waking subscribers through an eventpipe; subscribers
// write their reply code into their assigned slot as they finish
// processing, and the commit engine (package commit) polls those slots to
// drive its wave state machine.
package evchan

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sysrepo-go/subcore/errcode"
	"github.com/sysrepo-go/subcore/shm"
)

// headerSize is the fixed prefix after the shm magic header:
// {event_kind:u32, request_id:u32, priority:u32, error_code:u32,
// payload_len:u32, orig_cid:u32, orig_sid:u32, generation:u32,
// reply_count:u32}. The first seven fields match §4.E's documented wire
// layout verbatim; generation and reply_count are implementation-internal
// bookkeeping this package needs and are appended after them rather than
// interleaved, so the documented prefix can be read by a peer that only
// knows about the first seven words.
const headerSize = 36

const (
	offEventKind  = 0
	offRequestID  = 4
	offPriority   = 8
	offErrorCode  = 12
	offPayloadLen = 16
	offOrigCID    = 20
	offOrigSID    = 24
	offGeneration = 28
	offReplyCount = 32
)

const (
	stateIdle = iota
	stateDelivering
	stateDone
)

// replySlotSize is {sub_id:u32, code:u32} per expected subscriber.
const replySlotSize = 8

// Name builds the channel file name for a (module, datastore, kind) topic,
// matching the scheme "<module>.<datastore>.<kind>.sub".
func Name(module, datastore, kind string) string {
	return fmt.Sprintf("%s.%s.%s.sub", module, datastore, kind)
}

// Channel is one memory-mapped event channel.
type Channel struct {
	mu     sync.Mutex
	region *shm.Region
	path   string
}

// Open creates or attaches the channel file for topic under dir, sized for
// at least initialPayload bytes of payload and expectedReplies reply slots.
func Open(dir, topic string, initialPayload, expectedReplies int) (*Channel, error) {
	path := filepath.Join(dir, topic)
	size := channelSize(headerSize, initialPayload, expectedReplies)
	region, err := shm.Create(path, size)
	if err != nil {
		return nil, err
	}
	return &Channel{region: region, path: path}, nil
}

// channelSize computes a full channel file size given header/payload/reply
// geometry, on top of shm's own 16-byte magic prefix.
func channelSize(header, payload, replies int) int {
	return 16 + header + payload + replies*replySlotSize
}

func (c *Channel) base() []byte { return c.region.Bytes()[16:] }

func (c *Channel) headerField(off int) uint32 {
	b := c.base()
	return binary.LittleEndian.Uint32(b[off : off+4])
}

func (c *Channel) setHeaderField(off int, v uint32) {
	b := c.base()
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

// Publish writes payload into the channel, clears every reply slot, and
// marks the channel "delivering" so subscribers polling State observe the
// new event. requestID, priority, origCID, and origSID are stamped into the
// header verbatim (§4.E) so a subscriber — and WriteReply's staleness check
// — can tell this delivery apart from whatever the channel carried before.
func (c *Channel) Publish(payload []byte, subIDs []uint32, requestID, priority uint32, origCID, origSID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	needed := headerSize + len(payload) + len(subIDs)*replySlotSize
	if needed > c.region.Size()-16 {
		if err := c.region.Grow(16 + needed); err != nil {
			return err
		}
	}

	c.setHeaderField(offRequestID, requestID)
	c.setHeaderField(offPriority, priority)
	c.setHeaderField(offErrorCode, uint32(errcode.CallbackShelve))
	c.setHeaderField(offPayloadLen, uint32(len(payload)))
	c.setHeaderField(offOrigCID, uint32(origCID))
	c.setHeaderField(offOrigSID, uint32(origSID))
	c.setHeaderField(offReplyCount, uint32(len(subIDs)))

	b := c.base()
	copy(b[headerSize:headerSize+len(payload)], payload)

	// Reply slots start out CallbackShelve, not OK: a poller must be able to
	// tell "no reply yet" apart from "subscriber answered OK", and
	// CallbackShelve already means "not a final answer" everywhere else a
	// reply is consumed.
	replyBase := headerSize + int(len(payload))
	for i, subID := range subIDs {
		off := replyBase + i*replySlotSize
		binary.LittleEndian.PutUint32(b[off:off+4], subID)
		binary.LittleEndian.PutUint32(b[off+4:off+8], uint32(errcode.CallbackShelve))
	}

	gen := c.headerField(offGeneration) + 1
	c.setHeaderField(offGeneration, gen)
	c.setHeaderField(offEventKind, stateDelivering)
	return nil
}

// Payload returns the currently published payload bytes.
func (c *Channel) Payload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.headerField(offPayloadLen)
	b := c.base()
	out := make([]byte, n)
	copy(out, b[headerSize:headerSize+int(n)])
	return out
}

// RequestID returns the request id stamped by the most recent Publish.
func (c *Channel) RequestID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headerField(offRequestID)
}

// Priority returns the priority stamped by the most recent Publish.
func (c *Channel) Priority() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headerField(offPriority)
}

// OrigCID returns the originating connection id stamped by the most recent
// Publish.
func (c *Channel) OrigCID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(c.headerField(offOrigCID))
}

// OrigSID returns the originating session id stamped by the most recent
// Publish.
func (c *Channel) OrigSID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(c.headerField(offOrigSID))
}

// WriteReply records subID's reply code for the delivery identified by
// requestID. If the channel has already been reused for a newer request
// (its stamped request_id no longer matches), the write is rejected with
// ErrStaleRequest instead of silently corrupting the new delivery's reply
// slots (§4.E: "If the channel's current event_kind is non-idle and its
// request_id differs from the expected one, the stale event is flagged
// ignored before reuse").
func (c *Channel) WriteReply(subID, requestID uint32, code errcode.ErrorCode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headerField(offEventKind) != stateIdle && c.headerField(offRequestID) != requestID {
		return ErrStaleRequest
	}
	n := c.headerField(offReplyCount)
	payloadLen := int(c.headerField(offPayloadLen))
	replyBase := headerSize + payloadLen
	b := c.base()
	for i := 0; i < int(n); i++ {
		off := replyBase + i*replySlotSize
		if binary.LittleEndian.Uint32(b[off:off+4]) == subID {
			binary.LittleEndian.PutUint32(b[off+4:off+8], uint32(code))
			return nil
		}
	}
	return ErrUnknownSubscriber
}

// Reply is one subscriber's recorded outcome for the current delivery.
type Reply struct {
	SubID uint32
	Code  errcode.ErrorCode
}

// Replies returns every reply slot for the current delivery.
func (c *Channel) Replies() []Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := int(c.headerField(offReplyCount))
	payloadLen := int(c.headerField(offPayloadLen))
	replyBase := headerSize + payloadLen
	b := c.base()
	out := make([]Reply, n)
	for i := 0; i < n; i++ {
		off := replyBase + i*replySlotSize
		out[i] = Reply{
			SubID: binary.LittleEndian.Uint32(b[off : off+4]),
			Code:  errcode.ErrorCode(binary.LittleEndian.Uint32(b[off+4 : off+8])),
		}
	}
	return out
}

// MarkDone moves the channel to the done state once every reply has been
// collected, allowing its slot to be reused by the next publish.
func (c *Channel) MarkDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setHeaderField(offEventKind, stateDone)
}

// State reports the channel's delivery state.
func (c *Channel) State() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.headerField(offEventKind))
}

// Close unmaps the channel file.
func (c *Channel) Close() error {
	return c.region.Close()
}

// Path returns the channel's backing file path.
func (c *Channel) Path() string { return c.path }
