// Package build provides build-time metadata for the framepipe project.
package build

// ProjectName is used to namespace metrics and identify the project in logs.
const ProjectName = "framepipe"

var (
	// Version is the semantic version of the build, overridden at link time.
	Version = "dev"

	// Commit is the git commit hash of the build, overridden at link time.
	Commit = ""
)
