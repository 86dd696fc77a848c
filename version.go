package kadtable

var (
	version    = "0.1.0" // manually set semantic version number
	commitHash string    // automatically set git commit hash

	// Version identifies the build of the kademlia-inspect binary.
	Version = func() string {
		if commitHash != "" {
			return version + "-" + commitHash
		}
		return version + "-dev"
	}()
)
