package maths

func Maximum(values ...float64) float64 {
	if len(values) == 0 {
		panic("maths: Maximum of no values")
	}
	result := values[0]
	for _, v := range values[1:] {
		if v > result {
			result = v
		}
	}
	return result
}

func MaximumU32(values ...uint32) uint32 {
	var result uint32
	for _, v := range values {
		if v > result {
			result = v
		}
	}
	return result
}

func Minimum(values ...float64) float64 {
	if len(values) == 0 {
		panic("maths: Minimum of no values")
	}
	result := values[0]
	for _, v := range values[1:] {
		if v < result {
			result = v
		}
	}
	return result
}
