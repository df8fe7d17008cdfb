package main

import "fmt"

// Constants defining the application version number.
const (
	appMajor uint = 0
	appMinor uint = 1
	appPatch uint = 0

	appPreRelease = "alpha"
)

// version returns the application version as a semantic version string.
func version() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if appPreRelease != "" {
		version = fmt.Sprintf("%s-%s", version, appPreRelease)
	}
	return version
}
