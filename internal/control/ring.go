package control

import "encoding/json"

// RingMeta carries the ring-kind-specific fields spec.md §6's shm_map
// example puts alongside proto/version/size: kind distinguishes a
// "simple" single-shot ring from a streaming "iq"/"audio" ring, encoding
// names the sample format (e.g. "cf32", "f32"), and sample_rate/channels/
// center_freq describe a streaming ring's signal (all three are left zero
// for a Simple ring, which carries none of them).
type RingMeta struct {
	Kind       string  `json:"kind"`
	Encoding   string  `json:"encoding,omitempty"`
	SampleRate float64 `json:"sample_rate,omitempty"`
	Channels   uint32  `json:"channels,omitempty"`
	CenterFreq float64 `json:"center_freq,omitempty"`
}

// ringMapMsg is the {"type":"publish",...,"subtype":"shm_map",...} frame
// shape dummy.c's shm-demo command sends alongside the memfd it hands off
// via SCM_RIGHTS. Unlike the generic Msg/Reply shapes, these extra fields
// ride at the top level of the JSON object rather than nested under
// "data", so it gets its own struct instead of reusing PublishMsg.
type ringMapMsg struct {
	Type    string `json:"type"`
	Feed    string `json:"feed"`
	Subtype string `json:"subtype"`
	Proto   string `json:"proto"`
	Version string `json:"version"`
	Size    uint32 `json:"size"`
	Desc    string `json:"desc"`
	Mode    string `json:"mode"`
	RingMeta
}

type ringReadyMsg struct {
	Type    string `json:"type"`
	Feed    string `json:"feed"`
	Subtype string `json:"subtype"`
	Seq     uint64 `json:"seq"`
	Bytes   uint32 `json:"bytes"`
}

// PublishRingMap announces a freshly created shared-memory ring to feed,
// handing the ring's fd off as ancillary data on the same frame. desc is a
// short human label; mode is typically "rw" for a mapping the consumer may
// also write back into (matching dummy.c's shm-demo convention) or "r" for
// read-only.
// meta carries the ring-kind/encoding/signal fields spec.md §6 documents on
// shm_map; pass a zero RingMeta{Kind: "simple"} for a non-streaming ring.
func (c *Ctx) PublishRingMap(feed string, fd int, proto, version string, sizeBytes uint32, desc, mode string, meta RingMeta) error {
	m := ringMapMsg{
		Type:     "publish",
		Feed:     feed,
		Subtype:  "shm_map",
		Proto:    proto,
		Version:  version,
		Size:     sizeBytes,
		Desc:     desc,
		Mode:     mode,
		RingMeta: meta,
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.Conn.Send(raw, []int{fd})
}

// PublishRingReady announces that a ring the consumer already holds has
// new data at seq, bytes long. No fd accompanies this frame; it's a
// lightweight "go read it" nudge over the same feed PublishRingMap used.
func (c *Ctx) PublishRingReady(feed string, seq uint64, bytesAvailable uint32) error {
	m := ringReadyMsg{
		Type:    "publish",
		Feed:    feed,
		Subtype: "shm_ready",
		Seq:     seq,
		Bytes:   bytesAvailable,
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.Conn.Send(raw, nil)
}
