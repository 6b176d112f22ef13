package accruals

// AllocateDeferral splits total across count consecutive periods in minor
// units. The first count-1 slices get floor(total/count); the last absorbs
// the remainder so the slices always sum back to total exactly.
func AllocateDeferral(total int64, count int) []int64 {
	if count <= 0 {
		return nil
	}
	out := make([]int64, count)
	base := total / int64(count)
	for i := 0; i < count-1; i++ {
		out[i] = base
	}
	out[count-1] = total - base*int64(count-1)
	return out
}
