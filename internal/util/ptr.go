package util

// Ptr takes the address of a copy of v, for optional fields such as
// recurrence.Options.DayOfMonth that are set from literals.
func Ptr[T any](v T) *T {
	return &v
}
