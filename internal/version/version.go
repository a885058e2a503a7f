package version

// Version is the current rccar version.
const Version = "0.1.0"
