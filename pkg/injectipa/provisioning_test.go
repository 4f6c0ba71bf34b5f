package injectipa

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// signedProfile wraps a provisioning profile plist in a PKCS#7 signed
// container, the way .mobileprovision files are distributed.
func signedProfile(t *testing.T, profile map[string]interface{}) []byte {
	t.Helper()

	content, err := plist.Marshal(profile, plist.XMLFormat)
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Test Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	signed, err := pkcs7.NewSignedData(content)
	require.NoError(t, err)
	require.NoError(t, signed.AddSigner(cert, key, pkcs7.SignerInfoConfig{}))
	data, err := signed.Finish()
	require.NoError(t, err)
	return data
}

func TestParseProfileSummary(t *testing.T) {
	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	data := signedProfile(t, map[string]interface{}{
		"Name":                        "Example Development",
		"UUID":                        "11111111-2222-3333-4444-555555555555",
		"TeamName":                    "Example Inc.",
		"TeamIdentifier":              []string{"ABCDE12345"},
		"ApplicationIdentifierPrefix": []string{"ZZZZZ99999"},
		"ExpirationDate":              expires,
		"ProvisionedDevices":          []string{"udid-1", "udid-2"},
		"Entitlements": map[string]interface{}{
			"application-identifier": "ABCDE12345.com.example.app",
		},
	})

	summary, err := ParseProfileSummary(data)
	require.NoError(t, err)
	assert.Equal(t, "Example Development", summary.Name)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", summary.UUID)
	assert.Equal(t, "Example Inc.", summary.TeamName)
	assert.Equal(t, "ABCDE12345", summary.TeamID)
	assert.Equal(t, "ABCDE12345.com.example.app", summary.AppID)
	assert.True(t, expires.Equal(summary.ExpirationDate))
	assert.Equal(t, 2, summary.DeviceCount)
	assert.False(t, summary.AllDevices)

	assert.False(t, summary.Expired(expires.Add(-time.Second)))
	assert.True(t, summary.Expired(expires.Add(time.Second)))
}

func TestParseProfileSummary_TeamFromPrefix(t *testing.T) {
	data := signedProfile(t, map[string]interface{}{
		"Name":                        "Enterprise",
		"ApplicationIdentifierPrefix": []string{"ZZZZZ99999"},
		"ProvisionsAllDevices":        true,
	})

	summary, err := ParseProfileSummary(data)
	require.NoError(t, err)
	assert.Equal(t, "ZZZZZ99999", summary.TeamID)
	assert.True(t, summary.AllDevices)
}

func TestParseProfileSummary_Invalid(t *testing.T) {
	_, err := ParseProfileSummary([]byte("not a pkcs7 blob"))
	assert.Error(t, err)
}

func TestReadEmbeddedProfile(t *testing.T) {
	bundle := t.TempDir()

	summary, err := ReadEmbeddedProfile(bundle)
	require.NoError(t, err)
	assert.Nil(t, summary)

	data := signedProfile(t, map[string]interface{}{"Name": "Embedded"})
	require.NoError(t, os.WriteFile(filepath.Join(bundle, embeddedProfileName), data, 0644))

	summary, err = ReadEmbeddedProfile(bundle)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, "Embedded", summary.Name)
}
