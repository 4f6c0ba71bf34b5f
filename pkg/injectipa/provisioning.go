package injectipa

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

const embeddedProfileName = "embedded.mobileprovision"

// provisioningProfile is the subset of a .mobileprovision payload shown in previews.
type provisioningProfile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	ProvisionedDevices          []string               `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool                   `plist:"ProvisionsAllDevices"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
}

// ProfileSummary describes the provisioning profile embedded in a bundle.
type ProfileSummary struct {
	Name           string    `yaml:"name"`
	UUID           string    `yaml:"uuid"`
	TeamName       string    `yaml:"team_name,omitempty"`
	TeamID         string    `yaml:"team_id,omitempty"`
	AppID          string    `yaml:"app_id,omitempty"`
	ExpirationDate time.Time `yaml:"expiration_date"`
	AllDevices     bool      `yaml:"all_devices"`
	DeviceCount    int       `yaml:"device_count"`
}

// Expired reports whether the profile had expired at now.
func (p *ProfileSummary) Expired(now time.Time) bool {
	return now.After(p.ExpirationDate)
}

// ReadEmbeddedProfile summarizes bundlePath/embedded.mobileprovision.
// It returns nil and no error when the bundle has no embedded profile.
func ReadEmbeddedProfile(bundlePath string) (*ProfileSummary, error) {
	data, err := os.ReadFile(filepath.Join(bundlePath, embeddedProfileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", embeddedProfileName, err)
	}
	return ParseProfileSummary(data)
}

// ParseProfileSummary parses a .mobileprovision file, a CMS (PKCS#7) signed
// container with a plist payload.
func ParseProfileSummary(data []byte) (*ProfileSummary, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7 container: %w", err)
	}

	var profile provisioningProfile
	if _, err := plist.Unmarshal(p7.Content, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}

	summary := &ProfileSummary{
		Name:           profile.Name,
		UUID:           profile.UUID,
		TeamName:       profile.TeamName,
		ExpirationDate: profile.ExpirationDate,
		AllDevices:     profile.ProvisionsAllDevices,
		DeviceCount:    len(profile.ProvisionedDevices),
	}
	switch {
	case len(profile.TeamIdentifier) > 0:
		summary.TeamID = profile.TeamIdentifier[0]
	case len(profile.ApplicationIdentifierPrefix) > 0:
		summary.TeamID = profile.ApplicationIdentifierPrefix[0]
	}
	if appID, ok := profile.Entitlements["application-identifier"].(string); ok {
		summary.AppID = appID
	}
	return summary, nil
}
