package audio

var imaIndexTable = [16]int{
	-1, -1, -1, -1, 2, 4, 6, 8,
	-1, -1, -1, -1, 2, 4, 6, 8,
}

var imaStepTable = [89]int32{
	7, 8, 9, 10, 11, 12, 13, 14, 16, 17,
	19, 21, 23, 25, 28, 31, 34, 37, 41, 45,
	50, 55, 60, 66, 73, 80, 88, 97, 107, 118,
	130, 143, 157, 173, 190, 209, 230, 253, 279, 307,
	337, 371, 408, 449, 494, 544, 598, 658, 724, 796,
	876, 963, 1060, 1166, 1282, 1411, 1552, 1707, 1878, 2066,
	2272, 2499, 2749, 3024, 3327, 3660, 4026, 4428, 4871, 5358,
	5894, 6484, 7132, 7845, 8630, 9493, 10442, 11487, 12635, 13899,
	15289, 16818, 18500, 20350, 22385, 24623, 27086, 29794, 32767,
}

type imaState struct {
	predictor int16
	index     int
}

// encode quantizes one sample to a 4-bit code and advances the state the
// same way a decoder would.
func (s *imaState) encode(sample int16) byte {
	step := imaStepTable[s.index]
	diff := int32(sample) - int32(s.predictor)
	var code byte
	if diff < 0 {
		code = 8
		diff = -diff
	}
	delta := step >> 3
	if diff >= step {
		code |= 4
		diff -= step
		delta += step
	}
	step >>= 1
	if diff >= step {
		code |= 2
		diff -= step
		delta += step
	}
	step >>= 1
	if diff >= step {
		code |= 1
		delta += step
	}

	pred := int32(s.predictor)
	if code&8 != 0 {
		pred -= delta
	} else {
		pred += delta
	}
	s.predictor = int16(max(-32768, min(32767, pred)))
	s.index = max(0, min(len(imaStepTable)-1, s.index+imaIndexTable[code]))
	return code
}
