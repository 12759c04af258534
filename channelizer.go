package wiremux

import (
	"fmt"
)

// channelRecord is the channelizer's state for one discovery key.
// A record is paired once key, localID, and remoteID are all present;
// only paired channels carry application messages.
type channelRecord struct {
	discoveryKey []byte
	key          []byte // present iff locally opened
	localID      uint64
	hasLocal     bool
	remoteID     uint64
	hasRemote    bool
	// remoteCapability holds the MAC from the remote's Open until this
	// side opens locally and can verify it.
	remoteCapability []byte
	inbound          chan Message  // installed when the channel opens
	done             chan struct{} // closed when the channel is removed
}

func (r *channelRecord) paired() bool {
	return r.key != nil && r.hasLocal && r.hasRemote
}

// channelizer is the bidirectional channel table: discovery key to
// record, with secondary indexes by local and remote id. It is owned
// exclusively by the engine goroutine and needs no locking.
type channelizer struct {
	byDKey      map[string]*channelRecord
	byLocalID   map[uint64]*channelRecord
	byRemoteID  map[uint64]*channelRecord
	nextLocalID uint64
}

func newChannelizer() *channelizer {
	return &channelizer{
		byDKey:     make(map[string]*channelRecord),
		byLocalID:  make(map[uint64]*channelRecord),
		byRemoteID: make(map[uint64]*channelRecord),
	}
}

// attachLocal records a local open, assigning the next local id.
// Idempotent: reopening the same key returns the existing record.
// Local ids are never reused within a session.
func (c *channelizer) attachLocal(key, discoveryKey []byte) *channelRecord {
	rec, ok := c.byDKey[string(discoveryKey)]
	if !ok {
		rec = &channelRecord{discoveryKey: append([]byte(nil), discoveryKey...)}
		c.byDKey[string(discoveryKey)] = rec
	}
	if rec.hasLocal {
		return rec
	}
	rec.key = append([]byte(nil), key...)
	rec.localID = c.nextLocalID
	rec.hasLocal = true
	c.nextLocalID++
	c.byLocalID[rec.localID] = rec
	return rec
}

// attachRemote records a remote Open with its id and capability MAC.
func (c *channelizer) attachRemote(discoveryKey []byte, remoteID uint64, capability []byte) (*channelRecord, error) {
	if existing, ok := c.byRemoteID[remoteID]; ok && string(existing.discoveryKey) != string(discoveryKey) {
		return nil, fmt.Errorf("remote channel id %d already bound", remoteID)
	}
	rec, ok := c.byDKey[string(discoveryKey)]
	if !ok {
		rec = &channelRecord{discoveryKey: append([]byte(nil), discoveryKey...)}
		c.byDKey[string(discoveryKey)] = rec
	}
	rec.remoteID = remoteID
	rec.hasRemote = true
	rec.remoteCapability = capability
	c.byRemoteID[remoteID] = rec
	return rec, nil
}

func (c *channelizer) get(discoveryKey []byte) *channelRecord {
	return c.byDKey[string(discoveryKey)]
}

func (c *channelizer) getByLocal(id uint64) *channelRecord {
	return c.byLocalID[id]
}

func (c *channelizer) getByRemote(id uint64) *channelRecord {
	return c.byRemoteID[id]
}

// open installs the inbound sink and teardown signal for a paired
// channel.
func (c *channelizer) open(discoveryKey []byte, inbound chan Message, done chan struct{}) error {
	rec := c.get(discoveryKey)
	if rec == nil {
		return fmt.Errorf("open: no channel for discovery key")
	}
	rec.inbound = inbound
	rec.done = done
	return nil
}

// remove drops a record from all three indexes. Ids are retired, not
// recycled.
func (c *channelizer) remove(discoveryKey []byte) *channelRecord {
	rec := c.get(discoveryKey)
	if rec == nil {
		return nil
	}
	delete(c.byDKey, string(discoveryKey))
	if rec.hasLocal {
		delete(c.byLocalID, rec.localID)
	}
	if rec.hasRemote {
		delete(c.byRemoteID, rec.remoteID)
	}
	return rec
}

// all returns every record, for session teardown.
func (c *channelizer) all() []*channelRecord {
	records := make([]*channelRecord, 0, len(c.byDKey))
	for _, rec := range c.byDKey {
		records = append(records, rec)
	}
	return records
}
