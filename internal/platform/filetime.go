package platform

// filetimeEpochDelta is the number of seconds between 1601-01-01 and
// 1970-01-01, both UTC.
const filetimeEpochDelta = 11644473600

const filetimeTicksPerSecond = 10_000_000

// FiletimeToUnix converts a Windows FILETIME value, counted in 100ns ticks
// since 1601-01-01 UTC, into whole seconds since the Unix epoch.
func FiletimeToUnix(ft uint64) int64 {
	return int64(ft/filetimeTicksPerSecond) - filetimeEpochDelta
}
