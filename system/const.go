package system

var (
	// Version is the current version of mediagate, set at build time.
	Version = "develop"
)
