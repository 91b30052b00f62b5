package steamsession

// Client is the Steam wire protocol client library collaborator, named
// only at its interface: a connection that emits a stream of Events and
// accepts logon/product-info requests. Production code is backed by
// realClient, a thin adapter over an event-channel Steam client; tests use
// a fake that implements this interface directly. realClient's connection,
// authentication, and event translation are real; its PICS/CDN methods
// (GetProductInfo through DownloadManifest below) are unimplemented and
// always return an error — see realclient.go.
type Client interface {
	Connect() error
	Disconnect()
	Events() <-chan Event
	LogOnWithToken(token string)
	LogOnWithCredentials(username, password string)
	GetProductInfo(packageIDs []uint32, appIDs []uint32) (ProductInfoResult, error)
	PICSAccessTokens(appIDs []uint32) (map[uint32]uint64, error)

	// GetCDNServers returns the content-server list for this run. The
	// downloader fetches it once per session, reuses it across download_one
	// calls, and fetches it again after repeated unreachable-server failures.
	GetCDNServers() ([]string, error)
	// GetManifestRequestCode returns the opaque request code the CDN
	// requires to authorize a manifest download. A zero code means access
	// to the manifest is denied.
	GetManifestRequestCode(appID, depotID uint32, manifestID uint64) (uint64, error)
	// GetDepotKey returns the depot's decryption key.
	GetDepotKey(appID, depotID uint32) ([32]byte, error)
	// DownloadManifest fetches the manifest bytes from server.
	DownloadManifest(server string, depotID uint32, manifestID uint64, requestCode uint64, depotKey [32]byte) ([]byte, error)
}

// EventKind discriminates the Event union.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventLoggedOn
	EventLogOnFailed
	EventLicenseList
	EventLoginKey
)

// Event is the translated, typed form of whatever the underlying Steam
// client library emits on its callback/event channel.
type Event struct {
	Kind EventKind

	// EventLoggedOn / EventLogOnFailed
	LogOnErr error

	// EventDisconnected
	Unsolicited bool

	// EventLicenseList
	Licenses []License

	// EventLoginKey
	RefreshToken string

	// Present on EventLoggedOn: the account's 64-bit Steam id, the basis
	// for the account's branch index.
	SteamID64 uint64
}

// License is a grant recorded against the account allowing it to see a
// package (and by extension, the apps that package contains).
type License struct {
	PackageID     uint32
	PaymentMethod string
}

// IsComplimentary reports whether this license's payment method excludes
// it from product-info queries (the downloader only queries non-free
// licenses for manifests).
func (l License) IsComplimentary() bool {
	return l.PaymentMethod == "Complimentary"
}

// PackageInfo is the parsed product-info response for one package: the
// app ids it grants access to.
type PackageInfo struct {
	PackageID uint32
	AppIDs    []uint32
}

// AppDepot is one depot entry under an app's parsed product-info, limited
// to the fields the downloader needs.
type AppDepot struct {
	DepotID    uint32
	ManifestID uint64
}

// AppInfo is the parsed product-info response for one app.
type AppInfo struct {
	AppID  uint32
	Depots []AppDepot
}

// ProductInfoResult bundles the package and app product-info responses
// from one PICS query round.
type ProductInfoResult struct {
	Packages []PackageInfo
	Apps     []AppInfo
}
