package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/chms/internal/chms"
)

func TestNewSelectsAdapter(t *testing.T) {
	cases := []struct {
		conn chms.Connection
		want chms.ProviderName
	}{
		{chms.Connection{Provider: chms.ProviderRock, BaseURL: "https://rock.example.org", Credentials: map[string]string{"api_key": "k"}}, chms.ProviderRock},
		{chms.Connection{Provider: chms.ProviderPlanningCenter, Credentials: map[string]string{"app_id": "a", "secret": "s"}}, chms.ProviderPlanningCenter},
		{chms.Connection{Provider: chms.ProviderCCB, Credentials: map[string]string{"username": "u", "password": "p"}, SyncConfig: map[string]any{"subdomain": "grace"}}, chms.ProviderCCB},
	}
	for _, tc := range cases {
		p, err := New(tc.conn)
		require.NoError(t, err, tc.want)
		assert.Equal(t, tc.want, p.Name())
	}
}

func TestNewUnknownProvider(t *testing.T) {
	p, err := New(chms.Connection{Provider: "fellowship_one"})
	assert.Nil(t, p)
	require.ErrorIs(t, err, chms.ErrUnknownProvider)
	assert.Contains(t, err.Error(), "fellowship_one")
}

func TestNewMissingCredentials(t *testing.T) {
	p, err := New(chms.Connection{Name: "main", Provider: chms.ProviderRock, BaseURL: "https://rock.example.org"})
	assert.Nil(t, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")

	_, err = New(chms.Connection{Provider: chms.ProviderCCB, Credentials: map[string]string{"username": "u", "password": "p"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subdomain")
}

func TestCCBEndpointFromSubdomain(t *testing.T) {
	a, err := NewCCBAdapter(chms.Connection{
		Credentials: map[string]string{"username": "u", "password": "p"},
		SyncConfig:  map[string]any{"subdomain": "grace"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://grace.ccbchurch.com/api.php?srv=api_status", a.serviceURL("api_status", nil))
}

func TestCapabilitiesOf(t *testing.T) {
	pco, err := CapabilitiesOf(chms.ProviderPlanningCenter)
	require.NoError(t, err)
	assert.True(t, pco.HasWebhooks)
	assert.False(t, pco.CanWriteAttendance)

	rock, err := CapabilitiesOf(chms.ProviderRock)
	require.NoError(t, err)
	assert.False(t, rock.HasWebhooks)
	assert.Equal(t, 500, rock.MaxPageSize)

	ccb, err := CapabilitiesOf(chms.ProviderCCB)
	require.NoError(t, err)
	assert.Equal(t, 6, ccb.CustomFieldSlots)
	assert.Equal(t, 10000, ccb.RateLimit.PerDay)

	_, err = CapabilitiesOf("fellowship_one")
	assert.ErrorIs(t, err, chms.ErrUnknownProvider)
}
