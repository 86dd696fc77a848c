package kademlia

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/gauss-project/kadtable/pkg/logging"
)

// DefaultK is the default maximum number of peers held per bucket.
const DefaultK = 20

// Options configures a KademliaTable. The zero Options is valid: New fills
// in every field left unset with a default (see Hasher for the one default
// that is not the production choice).
type Options struct {
	// K is the maximum number of peers per bucket. Defaults to DefaultK.
	K int

	// Hasher derives a KademliaAddress from an opaque overlay.Address.
	// When unset, New uses a fallback that copies the raw address bytes,
	// left-aligned, into the KademliaAddress without hashing; production
	// callers pass internal/kadcrypto.SHA1Hasher.
	Hasher AddressHasher

	// Clock supplies the current time. Defaults to SystemClock.
	Clock Clock

	// Logger receives debug/warning-level diagnostics. Defaults to a
	// logger that discards everything.
	Logger logging.Logger

	// NetworkID scopes logging and the persisted blob; it is opaque to the
	// table itself.
	NetworkID string

	// Filename, if set, is the path Dump/Load use by default. It can also
	// be set later with SetCacheFile.
	Filename string

	// FS is the filesystem Dump/Load operate through. Defaults to the real
	// OS filesystem; tests substitute afero.NewMemMapFs().
	FS afero.Fs
}

func (o Options) withDefaults() Options {
	if o.K <= 0 {
		o.K = DefaultK
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = logging.New(io.Discard, logrus.PanicLevel)
	}
	if o.FS == nil {
		o.FS = afero.NewOsFs()
	}
	return o
}
