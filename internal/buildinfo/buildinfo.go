// Package buildinfo carries the values stamped at link time with
// -ldflags "-X payhooks/internal/buildinfo.Version=...".
package buildinfo

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

// UserAgent is sent on every outbound delivery.
func UserAgent() string {
	if Commit == "" {
		return "payhooks/" + Version
	}
	c := Commit
	if len(c) > 7 {
		c = c[:7]
	}
	return "payhooks/" + Version + " (" + c + ")"
}

func Info() map[string]string {
	return map[string]string{
		"version":   Version,
		"commit":    Commit,
		"builtAt":   BuiltAt,
		"userAgent": UserAgent(),
	}
}
