package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// Software returns the string stamped into the Software tag of every
// container page, e.g. "mesofield dev (unknown)".
func Software() string {
	return fmt.Sprintf("mesofield %s (%s)", Version, GitSHA)
}
