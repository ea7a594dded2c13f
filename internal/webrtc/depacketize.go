package webrtc

// H264Depacketizer turns RTP H264 payloads back into NAL units. Each remote
// track needs its own instance: FU-A reassembly is stateful.
type H264Depacketizer struct {
	fuaBuf  []byte
	lastSeq uint16
	inFU    bool
}

func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{}
}

// Depacketize handles single NAL, STAP-A and FU-A payloads. seq is the RTP
// sequence number; a gap inside a fragmented unit drops that unit.
func (d *H264Depacketizer) Depacketize(seq uint16, payload []byte) [][]byte {
	if len(payload) < 1 {
		return nil
	}

	switch naluType := payload[0] & 0x1f; {
	case naluType >= 1 && naluType <= 23:
		d.resetFU()
		return [][]byte{payload}
	case naluType == 24:
		d.resetFU()
		return d.stapA(payload)
	case naluType == 28:
		return d.fuA(seq, payload)
	}
	return nil
}

func (d *H264Depacketizer) stapA(payload []byte) [][]byte {
	var nalus [][]byte
	offset := 1

	for offset+2 <= len(payload) {
		size := int(payload[offset])<<8 | int(payload[offset+1])
		offset += 2
		if size == 0 || offset+size > len(payload) {
			break
		}
		nalus = append(nalus, payload[offset:offset+size])
		offset += size
	}
	return nalus
}

func (d *H264Depacketizer) fuA(seq uint16, payload []byte) [][]byte {
	if len(payload) < 2 {
		return nil
	}

	fnri := payload[0] & 0xe0
	header := payload[1]
	start := header&0x80 != 0
	end := header&0x40 != 0

	if start {
		d.fuaBuf = append([]byte{fnri | header&0x1f}, payload[2:]...)
		d.inFU = true
		d.lastSeq = seq
	} else {
		if !d.inFU || seq != d.lastSeq+1 {
			d.resetFU()
			return nil
		}
		d.fuaBuf = append(d.fuaBuf, payload[2:]...)
		d.lastSeq = seq
	}

	if !end {
		return nil
	}
	nalu := d.fuaBuf
	d.resetFU()
	return [][]byte{nalu}
}

func (d *H264Depacketizer) resetFU() {
	d.fuaBuf = nil
	d.inFU = false
}
