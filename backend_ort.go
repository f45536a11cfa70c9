//go:build ORT || ALL

package beamrepro

// DefaultBackend is the backend the CLI runs with in this build.
const DefaultBackend = "ORT"
