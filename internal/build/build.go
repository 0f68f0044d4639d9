// Package build exposes the build mode the binary was compiled with.
//
// The mode is injected at link time:
//
//	go build -ldflags "-X github.com/l1jgo/netplay/internal/build.mode=release" ./cmd/netplay
package build

// Mode is the build flavour.
type Mode string

const (
	Debug   Mode = "debug"
	Profile Mode = "profile"
	Release Mode = "release"
)

// mode is overwritten by -ldflags. Unknown values are treated as release.
var mode = "debug"

// Current returns the active build mode.
func Current() Mode {
	switch Mode(mode) {
	case Debug, Profile:
		return Mode(mode)
	default:
		return Release
	}
}

// IsRelease reports whether this is a production build. Development-only
// tooling (fault injection, the network debugger) is forced off.
func IsRelease() bool {
	return Current() == Release
}

// DiagnosticsEnabled reports whether debug/profile tooling may run.
func DiagnosticsEnabled() bool {
	return !IsRelease()
}

// Override swaps the build mode and returns a func restoring the previous
// one. Only meant for tests.
func Override(m Mode) (restore func()) {
	prev := mode
	mode = string(m)
	return func() { mode = prev }
}
