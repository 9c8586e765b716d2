package version

// Version is the current version of sanctl.
// Use semantic versioning: MAJOR.MINOR.PATCH.
const Version = "0.3.0"
