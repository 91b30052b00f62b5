package steamsession

import (
	"fmt"

	steam "github.com/Philipp15b/go-steam/v3"
	"github.com/Philipp15b/go-steam/v3/protocol/steamlang"
)

// realClient adapts github.com/Philipp15b/go-steam/v3's callback-queue
// client to the Client interface: a background goroutine reads the
// library's event channel and translates each event into this package's
// own Event union, so the rest of steamsession never depends on the
// upstream library's types directly. Connect, Disconnect, the two LogOn
// variants, and event translation are real; the PICS/CDN methods below are
// unimplemented stubs (see their individual doc comments).
type realClient struct {
	inner  *steam.Client
	events chan Event
}

// NewRealClient builds a Client backed by a fresh go-steam connection.
func NewRealClient() Client {
	inner := steam.NewClient()
	c := &realClient{inner: inner, events: make(chan Event, 32)}
	go c.translate()
	return c
}

func (c *realClient) Connect() error {
	_, err := c.inner.Connect()
	return err
}

func (c *realClient) Disconnect() {
	c.inner.Disconnect()
}

func (c *realClient) Events() <-chan Event {
	return c.events
}

func (c *realClient) LogOnWithToken(token string) {
	c.inner.Auth.LogOn(&steam.LogOnDetails{ShouldRememberPassword: true, LoginToken: token})
}

func (c *realClient) LogOnWithCredentials(username, password string) {
	c.inner.Auth.LogOn(&steam.LogOnDetails{
		Username:               username,
		Password:               password,
		ShouldRememberPassword: true,
	})
}

// GetProductInfo is not implemented: the PICS round-trip (package-info
// then per-app-token app-info queries) requires driving go-steam's PICS
// subpackage, which this adapter does not yet import or call. Every
// invocation fails; callers cannot obtain product info through realClient
// today.
func (c *realClient) GetProductInfo(packageIDs, appIDs []uint32) (ProductInfoResult, error) {
	return ProductInfoResult{}, fmt.Errorf("steamsession: product info query not implemented in realClient")
}

// PICSAccessTokens is not implemented: see GetProductInfo.
func (c *realClient) PICSAccessTokens(appIDs []uint32) (map[uint32]uint64, error) {
	return nil, fmt.Errorf("steamsession: PICS access token query not implemented in realClient")
}

// GetCDNServers is not implemented: content-server discovery requires
// go-steam's CDN subpackage, which this adapter does not yet import or
// call.
func (c *realClient) GetCDNServers() ([]string, error) {
	return nil, fmt.Errorf("steamsession: CDN server discovery not implemented in realClient")
}

// GetManifestRequestCode is not implemented: see GetCDNServers.
func (c *realClient) GetManifestRequestCode(appID, depotID uint32, manifestID uint64) (uint64, error) {
	return 0, fmt.Errorf("steamsession: manifest request code query not implemented in realClient")
}

// GetDepotKey is not implemented: see GetCDNServers.
func (c *realClient) GetDepotKey(appID, depotID uint32) ([32]byte, error) {
	return [32]byte{}, fmt.Errorf("steamsession: depot key query not implemented in realClient")
}

// DownloadManifest is not implemented: see GetCDNServers. Until this and
// the other PICS/CDN methods above are wired against go-steam's cdn and
// pics subpackages, realClient can connect and authenticate but cannot
// complete a manifest download.
func (c *realClient) DownloadManifest(server string, depotID uint32, manifestID uint64, requestCode uint64, depotKey [32]byte) ([]byte, error) {
	return nil, fmt.Errorf("steamsession: manifest CDN download not implemented in realClient")
}

func (c *realClient) translate() {
	defer close(c.events)
	for raw := range c.inner.Events() {
		switch e := raw.(type) {
		case *steam.ConnectedEvent:
			c.events <- Event{Kind: EventConnected}
		case *steam.LoggedOnEvent:
			c.events <- Event{Kind: EventLoggedOn, SteamID64: uint64(c.inner.SteamId())}
		case *steam.LogOnFailedEvent:
			c.events <- Event{Kind: EventLogOnFailed, LogOnErr: logOnFailedErr(e)}
		case *steam.LoginKeyEvent:
			c.events <- Event{Kind: EventLoginKey, RefreshToken: e.LoginKey}
		case *steam.LicensesEvent:
			c.events <- Event{Kind: EventLicenseList, Licenses: translateLicenses(e)}
		case *steam.DisconnectedEvent:
			c.events <- Event{Kind: EventDisconnected, Unsolicited: true}
		}
	}
}

func logOnFailedErr(e *steam.LogOnFailedEvent) error {
	switch e.Result {
	case steamlang.EResult_InvalidPassword:
		return &TerminalAuthError{Kind: InvalidPassword}
	case steamlang.EResult_AccountLogonDeniedVerifiedEmailRequired:
		return &TerminalAuthError{Kind: AccountLogonDeniedVerifiedEmailRequired}
	case steamlang.EResult_AccountLoginDeniedNeedTwoFactor:
		return &TerminalAuthError{Kind: AccountLoginDeniedNeedTwoFactor}
	default:
		return fmt.Errorf("steamsession: logon failed: %s", e.Result)
	}
}

func translateLicenses(e *steam.LicensesEvent) []License {
	out := make([]License, 0, len(e.Licenses))
	for _, l := range e.Licenses {
		out = append(out, License{
			PackageID:     uint32(l.PackageID),
			PaymentMethod: l.PaymentMethod.String(),
		})
	}
	return out
}
