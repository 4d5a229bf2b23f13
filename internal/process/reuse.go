package process

// Reused reports whether pid now belongs to a different process than the one
// whose start time was recorded. Unknown start times never count as reuse.
func Reused(pid int, recorded int64) bool {
	if recorded <= 0 {
		return false
	}
	now := StartTime(pid)
	if now <= 0 {
		return false
	}
	d := now - recorded
	return d > 1 || d < -1
}
