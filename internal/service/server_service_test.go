package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/client"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/config"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/repository"
)

const vendorX models.Provider = models.ProviderTimeweb

type serverFixture struct {
	servers  *fakeServerStore
	panels   *fakePanelStore
	provider *fakeProvider
	dns      *fakeDNS
	audit    *fakeAudit
	locker   *repository.MemoryLocker
	svc      *ServerService
	slept    []time.Duration
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		servers: newFakeServerStore(),
		panels:  newFakePanelStore(),
		provider: &fakeProvider{
			name:     vendorX,
			image:    client.ImageRef{ID: "79", Name: "ubuntu 22.04"},
			createID: "4242",
			info:     &client.ServerInfo{Status: "installing"},
		},
		dns:    newFakeDNS(),
		audit:  &fakeAudit{},
		locker: repository.NewMemoryLocker(time.Minute),
	}
	locations := fakeLocations{
		"NL/" + string(vendorX): {Code: "NL", Provider: vendorX, Region: "nl-1", Available: true},
		"DE/" + string(vendorX): {Code: "DE", Provider: vendorX, Region: "de-1", Available: false},
	}
	panelSvc := NewPanelService(f.servers, f.panels, &fakeInstaller{}, NewFaultService(f.panels, f.audit, f.locker), f.audit, models.PanelMarzban)
	f.svc = NewServerService(
		f.servers,
		locations,
		[]client.Provider{f.provider},
		map[models.Provider]string{vendorX: "ubuntu"},
		f.dns,
		panelSvc,
		f.audit,
		f.locker,
		&config.CapacityConfig{MinCPU: 2, MinRAMMB: 2048, MinDiskGB: 40, IPSettle: 10 * time.Second, NamePrefix: "edge"},
	)
	f.svc.sleep = func(_ context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}
	return f
}

// createdServer stores a server the provider has accepted
func (f *serverFixture) createdServer(isFree bool) *models.Server {
	return f.servers.put(&models.Server{
		Name:       "edge-nl-abcd1234",
		Provider:   vendorX,
		ProviderID: strPtr("4242"),
		Login:      models.DefaultServerLogin,
		LocationID: "NL",
		IsFree:     isFree,
		Status:     models.StatusCreated,
	})
}

func TestConfigure_MatchingPreset(t *testing.T) {
	f := newServerFixture(t)
	f.provider.presets = []client.Preset{
		{ID: "big", CPU: 4, RAMMB: 8192, DiskGB: 80, Price: 20},
		{ID: "small", CPU: 1, RAMMB: 1024, DiskGB: 15, Price: 3},
		{ID: "nl-2-2-40", CPU: 2, RAMMB: 2048, DiskGB: 40, DiskType: "nvme", Location: "nl-1", Price: 8},
	}

	server, err := f.svc.Configure(context.Background(), ConfigureRequest{LocationID: "NL", Provider: vendorX})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCreated, server.Status)
	require.NotNil(t, server.ProviderID)
	assert.Equal(t, "4242", *server.ProviderID)
	assert.True(t, strings.HasPrefix(server.Name, "edge-nl-"), server.Name)
	assert.Equal(t, models.DefaultServerLogin, server.Login)

	require.Len(t, f.provider.created, 1)
	req := f.provider.created[0]
	assert.Equal(t, "nl-2-2-40", req.Size.PresetID)
	assert.Equal(t, "nl-1", req.Region.Region)
	assert.Equal(t, "79", req.OS.ID)

	stored := f.servers.get(server.ID)
	assert.Equal(t, models.StatusCreated, stored.Status)
	assert.Equal(t, []string{"configure"}, f.audit.actions(models.EntityServer, server.ID))
	meta := f.audit.metadata(models.EntityServer, server.ID, "configure")
	assert.Equal(t, "nl-2-2-40", meta["preset_id"])
	assert.Equal(t, "nl-1", meta["region"])
}

func TestConfigure_FallsBackToConfigurator(t *testing.T) {
	f := newServerFixture(t)
	f.provider.presets = []client.Preset{{ID: "tiny", CPU: 1, RAMMB: 1024, DiskGB: 10}}
	f.provider.configurators = []client.Configurator{
		{ID: "too-small", CPU: client.Range{Min: 1, Max: 1, Step: 1}, RAMMB: client.Range{Min: 512, Max: 1024, Step: 512}, DiskGB: client.Range{Min: 5, Max: 20, Step: 5}},
		{ID: "cfg-nl", CPU: client.Range{Min: 1, Max: 8, Step: 1}, RAMMB: client.Range{Min: 1024, Max: 16384, Step: 1024}, DiskGB: client.Range{Min: 15, Max: 500, Step: 5}},
	}

	_, err := f.svc.Configure(context.Background(), ConfigureRequest{LocationID: "NL", Provider: vendorX})
	require.NoError(t, err)

	require.Len(t, f.provider.created, 1)
	size := f.provider.created[0].Size
	assert.False(t, size.IsPreset())
	assert.Equal(t, "cfg-nl", size.ConfiguratorID)
	assert.Equal(t, 2, size.CPU)
	assert.Equal(t, 2048, size.RAMMB)
	assert.Equal(t, 40, size.DiskGB)
}

func TestConfigure_NoCapacityMatchWritesNoRow(t *testing.T) {
	f := newServerFixture(t)
	f.provider.presets = []client.Preset{{ID: "tiny", CPU: 1, RAMMB: 1024, DiskGB: 10}}

	_, err := f.svc.Configure(context.Background(), ConfigureRequest{LocationID: "NL", Provider: vendorX})
	require.ErrorIs(t, err, ErrNoCapacityMatch)

	assert.Equal(t, 0, f.servers.count())
	assert.Empty(t, f.provider.created, "create must not be attempted without a size")
}

func TestConfigure_Preconditions(t *testing.T) {
	f := newServerFixture(t)

	_, err := f.svc.Configure(context.Background(), ConfigureRequest{LocationID: "NL", Provider: models.ProviderHetzner})
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	_, err = f.svc.Configure(context.Background(), ConfigureRequest{LocationID: "DE", Provider: vendorX})
	assert.ErrorContains(t, err, "not available")

	assert.Equal(t, 0, f.servers.count())
}

func TestConfigure_ProviderRejection(t *testing.T) {
	f := newServerFixture(t)
	f.provider.presets = []client.Preset{{ID: "p", CPU: 2, RAMMB: 2048, DiskGB: 40}}
	f.provider.createErr = &client.ProvisionError{Provider: vendorX, StatusCode: 403, Message: "no balance"}

	_, err := f.svc.Configure(context.Background(), ConfigureRequest{LocationID: "NL", Provider: vendorX})

	var pe *client.ProvisionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 0, f.servers.count())
}

func TestFinishConfigure_DirectIPv4(t *testing.T) {
	f := newServerFixture(t)
	s := f.createdServer(false)
	f.provider.info = &client.ServerInfo{Status: "on", IPv4: []string{"203.0.113.7"}, IPv6: []string{"2001:db8::7"}, RootPassword: "rootpw"}

	got, err := f.svc.FinishConfigure(context.Background(), s.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusConfigured, got.Status)
	assert.Equal(t, "203.0.113.7", *got.IP)
	assert.Equal(t, "rootpw", *got.Password)
	assert.Equal(t, "nl-1.vpn.example.com", *got.Host)
	assert.NotEmpty(t, *got.DNSRecordID)
	assert.Equal(t, 0, f.provider.addIPCalls)

	stored := f.servers.get(s.ID)
	assertConfiguredInvariant(t, stored)
}

func TestFinishConfigure_IPv6OnlyThenAddPublicIP(t *testing.T) {
	f := newServerFixture(t)
	s := f.createdServer(true)
	f.provider.info = &client.ServerInfo{Status: "on", IPv6: []string{"2001:db8::7"}, RootPassword: "rootpw"}
	f.provider.ipAfterAdd = "198.51.100.9"

	got, err := f.svc.FinishConfigure(context.Background(), s.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, f.provider.addIPCalls)
	assert.Equal(t, []time.Duration{10 * time.Second}, f.slept)
	assert.Equal(t, "198.51.100.9", *got.IP)
	assert.Equal(t, "free-nl-1.vpn.example.com", *got.Host)
	assert.Equal(t, 1, f.dns.count())
	assertConfiguredInvariant(t, f.servers.get(s.ID))
}

func TestFinishConfigure_AddPublicIPFailure(t *testing.T) {
	f := newServerFixture(t)
	s := f.createdServer(false)
	f.provider.info = &client.ServerInfo{Status: "on", IPv6: []string{"2001:db8::7"}}
	f.provider.addIPErr = errors.New("insufficient balance")

	_, err := f.svc.FinishConfigure(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrNoIPv4Available)

	stored := f.servers.get(s.ID)
	assert.Equal(t, models.StatusError, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "insufficient balance")
	assert.Nil(t, stored.IP)
	assert.Nil(t, stored.DNSRecordID)
	assert.Equal(t, 0, f.dns.count(), "no DNS record may be created")
}

func TestFinishConfigure_NoAddressAtAll(t *testing.T) {
	f := newServerFixture(t)
	s := f.createdServer(false)
	f.provider.info = &client.ServerInfo{Status: "on"}

	_, err := f.svc.FinishConfigure(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrNoIPv4Available)
	assert.Equal(t, models.StatusError, f.servers.get(s.ID).Status)
}

func TestFinishConfigure_PasswordPlaceholder(t *testing.T) {
	f := newServerFixture(t)
	s := f.createdServer(false)
	f.provider.info = &client.ServerInfo{Status: "on", IPv4: []string{"203.0.113.7"}}
	f.provider.passwordErr = errors.New("not supported")

	got, err := f.svc.FinishConfigure(context.Background(), s.ID)
	require.NoError(t, err)

	assert.True(t, got.HasPendingPassword())
	assert.True(t, strings.HasPrefix(*got.Password, models.PendingPasswordPrefix))
	assert.Equal(t, models.StatusConfigured, got.Status)
}

func TestFinishConfigure_PasswordSideCall(t *testing.T) {
	f := newServerFixture(t)
	s := f.createdServer(false)
	f.provider.info = &client.ServerInfo{Status: "running", IPv4: []string{"203.0.113.7"}}
	f.provider.password = "reset-pw"

	got, err := f.svc.FinishConfigure(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, "reset-pw", *got.Password)
}

func TestFinishConfigure_InvalidDNSRecord(t *testing.T) {
	f := newServerFixture(t)
	s := f.createdServer(false)
	f.provider.info = &client.ServerInfo{Status: "on", IPv4: []string{"203.0.113.7"}, RootPassword: "pw"}
	f.dns.blank = true

	_, err := f.svc.FinishConfigure(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrDNSRecordInvalid)

	stored := f.servers.get(s.ID)
	assert.Equal(t, models.StatusError, stored.Status)
	assert.Nil(t, stored.Host)
}

func TestFinishConfigure_PersistFailureRemovesRecord(t *testing.T) {
	f := newServerFixture(t)
	s := f.createdServer(false)
	f.provider.info = &client.ServerInfo{Status: "on", IPv4: []string{"203.0.113.7"}, RootPassword: "pw"}
	f.servers.updateErr = errors.New("connection reset")

	_, err := f.svc.FinishConfigure(context.Background(), s.ID)
	require.Error(t, err)
	assert.Equal(t, 0, f.dns.count())
	assert.Equal(t, models.StatusError, f.servers.get(s.ID).Status)
}

func TestFinishConfigure_OnlyFromCreated(t *testing.T) {
	f := newServerFixture(t)
	s := f.createdServer(false)
	s.Status = models.StatusConfigured
	f.servers.put(s)

	_, err := f.svc.FinishConfigure(context.Background(), s.ID)
	require.Error(t, err)
	assert.Equal(t, models.StatusConfigured, f.servers.get(s.ID).Status)
}

func TestCheckStatus(t *testing.T) {
	t.Run("pending", func(t *testing.T) {
		f := newServerFixture(t)
		s := f.createdServer(false)
		f.provider.info = &client.ServerInfo{Status: "installing"}

		ready, err := f.svc.CheckStatus(context.Background(), s)
		require.NoError(t, err)
		assert.False(t, ready)
		assert.Equal(t, models.StatusCreated, f.servers.get(s.ID).Status)
	})

	t.Run("unknown is treated as pending", func(t *testing.T) {
		f := newServerFixture(t)
		s := f.createdServer(false)
		f.provider.info = &client.ServerInfo{Status: "levitating"}

		ready, err := f.svc.CheckStatus(context.Background(), s)
		require.NoError(t, err)
		assert.False(t, ready)
		assert.Equal(t, models.StatusCreated, f.servers.get(s.ID).Status)
	})

	t.Run("ready configures", func(t *testing.T) {
		f := newServerFixture(t)
		s := f.createdServer(false)
		f.provider.info = &client.ServerInfo{Status: "on", IPv4: []string{"203.0.113.7"}, RootPassword: "pw"}

		ready, err := f.svc.CheckStatus(context.Background(), s)
		require.NoError(t, err)
		assert.True(t, ready)
		assertConfiguredInvariant(t, f.servers.get(s.ID))
	})

	t.Run("failed", func(t *testing.T) {
		f := newServerFixture(t)
		s := f.createdServer(false)
		f.provider.info = &client.ServerInfo{Status: "blocked"}

		_, err := f.svc.CheckStatus(context.Background(), s)
		assert.ErrorIs(t, err, ErrProvisioningFailed)
		assert.Equal(t, models.StatusCreated, f.servers.get(s.ID).Status, "caller decides the ERROR transition")
	})

	t.Run("vanished at provider", func(t *testing.T) {
		f := newServerFixture(t)
		s := f.createdServer(false)
		f.provider.getErr = client.ErrServerNotFound

		_, err := f.svc.CheckStatus(context.Background(), s)
		assert.ErrorIs(t, err, ErrProvisioningFailed)
	})

	t.Run("transient error", func(t *testing.T) {
		f := newServerFixture(t)
		s := f.createdServer(false)
		f.provider.getErr = errors.New("timeout")

		_, err := f.svc.CheckStatus(context.Background(), s)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrProvisioningFailed)
		assert.Equal(t, models.StatusCreated, f.servers.get(s.ID).Status)
	})
}

func TestDelete_TwiceIsIdempotent(t *testing.T) {
	f := newServerFixture(t)
	s := f.createdServer(false)
	f.provider.info = &client.ServerInfo{Status: "on", IPv4: []string{"203.0.113.7"}, RootPassword: "pw"}
	_, err := f.svc.FinishConfigure(context.Background(), s.ID)
	require.NoError(t, err)
	panel, _, err := f.panels.CreateForServer(context.Background(), s.ID, models.PanelMarzban)
	require.NoError(t, err)

	res, err := f.svc.Delete(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, res.Partial())
	assert.False(t, res.AlreadyDeleted)
	assert.Equal(t, models.StatusDeleted, f.servers.get(s.ID).Status)
	assert.Equal(t, models.StatusDeleted, f.panels.get(panel.ID).Status)
	assert.Equal(t, 0, f.dns.count())

	res, err = f.svc.Delete(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyDeleted)
	assert.Equal(t, models.StatusDeleted, f.servers.get(s.ID).Status)
	assert.Len(t, f.provider.deleted, 1, "second delete must not touch the provider")
}

func TestDelete_ProviderNotFoundIsSuccess(t *testing.T) {
	f := newServerFixture(t)
	s := f.createdServer(false)
	f.provider.deleteErr = client.ErrServerNotFound

	res, err := f.svc.Delete(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, res.Partial())
	assert.Equal(t, models.StatusDeleted, f.servers.get(s.ID).Status)
}

func TestDelete_PartialStillMarksDeleted(t *testing.T) {
	f := newServerFixture(t)
	s := f.createdServer(false)
	s.DNSRecordID = strPtr("rec-9")
	s.Host = strPtr("nl-1.vpn.example.com")
	f.servers.put(s)
	f.provider.deleteErr = errors.New("503 service unavailable")
	f.dns.deleteErr = errors.New("record locked")

	res, err := f.svc.Delete(context.Background(), s.ID)
	require.NoError(t, err)

	assert.True(t, res.Partial())
	assert.Error(t, res.ProviderErr)
	assert.Error(t, res.DNSErr)
	assert.NoError(t, res.PanelErr)
	assert.Equal(t, models.StatusDeleted, f.servers.get(s.ID).Status)
}

func TestPing(t *testing.T) {
	f := newServerFixture(t)
	s := f.createdServer(false)

	f.provider.info = &client.ServerInfo{Status: "on"}
	ok, err := f.svc.Ping(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, ok)

	f.provider.info = &client.ServerInfo{Status: "off"}
	ok, err = f.svc.Ping(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.StatusCreated, f.servers.get(s.ID).Status)
}

func assertConfiguredInvariant(t *testing.T, s *models.Server) {
	t.Helper()
	require.Equal(t, models.StatusConfigured, s.Status)
	assert.NotNil(t, s.IP)
	assert.NotNil(t, s.Host)
	assert.NotNil(t, s.DNSRecordID)
}

// interleavedDNS runs during once, right after the record was created
type interleavedDNS struct {
	*fakeDNS
	during func()
}

func (d *interleavedDNS) CreateRecord(ctx context.Context, name, ip string) (*client.DNSRecord, error) {
	rec, err := d.fakeDNS.CreateRecord(ctx, name, ip)
	if d.during != nil {
		during := d.during
		d.during = nil
		during()
	}
	return rec, err
}

func TestFinishConfigure_LosesToConcurrentDelete(t *testing.T) {
	f := newServerFixture(t)
	s := f.createdServer(false)
	f.provider.info = &client.ServerInfo{Status: "on", IPv4: []string{"203.0.113.7"}, RootPassword: "pw"}

	var deleteErr error
	f.svc.dns = &interleavedDNS{fakeDNS: f.dns, during: func() {
		_, deleteErr = f.svc.Delete(context.Background(), s.ID)
	}}

	_, err := f.svc.FinishConfigure(context.Background(), s.ID)
	require.NoError(t, deleteErr)
	require.ErrorIs(t, err, repository.ErrInvalidState)

	stored := f.servers.get(s.ID)
	assert.Equal(t, models.StatusDeleted, stored.Status)
	assert.Nil(t, stored.Host)
	assert.Equal(t, 0, f.dns.count(), "record created for a deleted server must be removed")
}

func TestDelete_WaitsForLease(t *testing.T) {
	f := newServerFixture(t)
	s := f.createdServer(false)

	release, ok, err := f.locker.TryLock(context.Background(), models.EntityServer, s.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Delete(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrEntityBusy)
	assert.Equal(t, models.StatusCreated, f.servers.get(s.ID).Status)
	assert.Empty(t, f.provider.deleted)

	release()
	_, err = f.svc.Delete(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeleted, f.servers.get(s.ID).Status)
}

func TestDelete_ResolvesOpenPanelError(t *testing.T) {
	f := newServerFixture(t)
	s := f.servers.put(&models.Server{
		Name:       "edge-nl-00000002",
		Provider:   vendorX,
		ProviderID: strPtr("4243"),
		Password:   strPtr("rootpw"),
		LocationID: "NL",
		Status:     models.StatusConfigured,
	})
	panel := f.panels.put(configuredPanel(0, s.ID, 2))

	faults := NewFaultService(f.panels, nil, f.locker)
	_, err := faults.RecordError(context.Background(), panel.ID, "install failed")
	require.NoError(t, err)
	require.Equal(t, 1, f.panels.openEpisodes(panel.ID))

	_, err = f.svc.Delete(context.Background(), s.ID)
	require.NoError(t, err)

	stored := f.panels.get(panel.ID)
	assert.Equal(t, models.StatusDeleted, stored.Status)
	assert.Nil(t, stored.ErrorMessage)
	assert.Nil(t, stored.ErrorAt)
	assert.Equal(t, 0, f.panels.openEpisodes(panel.ID))

	history, err := f.panels.History(context.Background(), panel.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].ResolutionType)
	assert.Equal(t, models.ResolutionAutomatic, *history[0].ResolutionType)
}

func TestRetrievePassword(t *testing.T) {
	f := newServerFixture(t)
	s := f.servers.put(&models.Server{
		Name:       "edge-nl-00000003",
		Provider:   vendorX,
		ProviderID: strPtr("4244"),
		Password:   strPtr(models.PendingPasswordPrefix + "abc"),
		LocationID: "NL",
		Status:     models.StatusConfigured,
	})

	// vendor still has nothing
	ok, err := f.svc.RetrievePassword(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, f.servers.get(s.ID).HasPendingPassword())

	f.provider.password = "real-pw"
	ok, err = f.svc.RetrievePassword(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, ok)

	stored := f.servers.get(s.ID)
	assert.False(t, stored.HasPendingPassword())
	assert.Equal(t, "real-pw", *stored.Password)
	assert.Equal(t, models.StatusConfigured, stored.Status)

	// a real password is never asked for again
	ok, err = f.svc.RetrievePassword(context.Background(), stored)
	require.NoError(t, err)
	assert.False(t, ok)
}
