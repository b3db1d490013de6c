package cli

// Version holds the CLI version. Set at build time via -ldflags, the way
// the teacher pack's own cmd.Version is.
var Version = "0.0.0-dev"
