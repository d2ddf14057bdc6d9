package fedmesh

// Version is the release of the library and the CLI.
var Version = "0.1.0"
