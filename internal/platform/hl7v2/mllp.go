package hl7v2

import "bytes"

// MLLP framing bytes. Transport framing is handled by the sender's
// interface engine; bodies that still carry it are unwrapped at intake.
const (
	MLLPStartBlock     = 0x0B
	MLLPEndBlock       = 0x1C
	MLLPCarriageReturn = 0x0D
)

// Frame wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func Frame(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// Unframe returns the payload of the first complete MLLP frame in data.
// Data without a start block is returned unchanged; a start block without
// an end block is returned unchanged as well, so Parse rejects it.
func Unframe(data []byte) []byte {
	start := bytes.IndexByte(data, MLLPStartBlock)
	if start == -1 {
		return data
	}
	end := bytes.Index(data[start+1:], []byte{MLLPEndBlock, MLLPCarriageReturn})
	if end == -1 {
		end = bytes.IndexByte(data[start+1:], MLLPEndBlock)
		if end == -1 {
			return data
		}
	}
	return data[start+1 : start+1+end]
}
