package session

import (
	"github.com/danmuck/collabctl/internal/protocol/frame"
)

// Fragment splits one logical message into frames carrying at most maxPayload
// bytes each. A message that fits is a single FragNone frame; otherwise the
// frames are start, zero or more mid, and end, sharing seq and total length
// with sub-sequence counting from 0. Frame payloads alias payload.
func Fragment(seq, dataType uint32, payload []byte, maxPayload int) []frame.Frame {
	if maxPayload < 1 {
		maxPayload = 1
	}
	total := uint32(len(payload))
	if len(payload) <= maxPayload {
		return []frame.Frame{{
			Header: frame.Header{
				Frag:       frame.FragNone,
				DataType:   dataType,
				Seq:        seq,
				TotalLen:   total,
				PayloadLen: total,
			},
			Payload: payload,
		}}
	}

	n := (len(payload) + maxPayload - 1) / maxPayload
	frames := make([]frame.Frame, 0, n)
	for i := 0; i < n; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(payload) {
			end = len(payload)
		}
		flag := frame.FragMid
		switch i {
		case 0:
			flag = frame.FragStart
		case n - 1:
			flag = frame.FragEnd
		}
		frames = append(frames, frame.Frame{
			Header: frame.Header{
				Frag:       flag,
				DataType:   dataType,
				Seq:        seq,
				SubSeq:     uint32(i),
				TotalLen:   total,
				PayloadLen: uint32(end - start),
			},
			Payload: payload[start:end],
		})
	}
	return frames
}
