package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/client"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/repository"
)

func strPtr(s string) *string { return &s }

// ---- servers ----

type fakeServerStore struct {
	mu        sync.Mutex
	nextID    int64
	servers   map[int64]*models.Server
	updateErr error
}

func newFakeServerStore() *fakeServerStore {
	return &fakeServerStore{servers: make(map[int64]*models.Server)}
}

func (f *fakeServerStore) Create(_ context.Context, s *models.Server) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s.ID = f.nextID
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	f.servers[s.ID] = &cp
	return nil
}

// put stores a server as-is, for test setup
func (f *fakeServerStore) put(s *models.Server) *models.Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == 0 {
		f.nextID++
		s.ID = f.nextID
	} else if s.ID > f.nextID {
		f.nextID = s.ID
	}
	cp := *s
	f.servers[s.ID] = &cp
	return s
}

func (f *fakeServerStore) get(id int64) *models.Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.servers[id]
	return &cp
}

func (f *fakeServerStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.servers)
}

func (f *fakeServerStore) GetByID(_ context.Context, id int64) (*models.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeServerStore) ListByStatus(_ context.Context, statuses ...models.Status) ([]*models.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Server
	for _, s := range f.servers {
		for _, st := range statuses {
			if s.Status == st {
				cp := *s
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeServerStore) UpdateIfStatus(_ context.Context, s *models.Server, expected models.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		err := f.updateErr
		f.updateErr = nil
		return err
	}
	cur, ok := f.servers[s.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Status != expected {
		return fmt.Errorf("%w: server %d is %s", repository.ErrInvalidState, s.ID, cur.Status)
	}
	cp := *s
	f.servers[s.ID] = &cp
	return nil
}

func (f *fakeServerStore) CountByProviderStatus(_ context.Context) ([]repository.ServerCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[[2]string]int)
	for _, s := range f.servers {
		counts[[2]string{string(s.Provider), string(s.Status)}]++
	}
	var out []repository.ServerCount
	for k, n := range counts {
		out = append(out, repository.ServerCount{Provider: k[0], Status: k[1], Count: n})
	}
	return out, nil
}

// ---- panels ----

type fakePanelStore struct {
	mu          sync.Mutex
	nextID      int64
	nextHistory int64
	panels      map[int64]*models.Panel
	history     []*models.PanelErrorHistory
	tokenWrites int
}

func newFakePanelStore() *fakePanelStore {
	return &fakePanelStore{panels: make(map[int64]*models.Panel)}
}

func (f *fakePanelStore) put(p *models.Panel) *models.Panel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == 0 {
		f.nextID++
		p.ID = f.nextID
	} else if p.ID > f.nextID {
		f.nextID = p.ID
	}
	cp := *p
	f.panels[p.ID] = &cp
	return p
}

func (f *fakePanelStore) get(id int64) *models.Panel {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.panels[id]
	return &cp
}

func (f *fakePanelStore) openEpisodes(panelID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.history {
		if h.PanelID == panelID && h.Open() {
			n++
		}
	}
	return n
}

func (f *fakePanelStore) CreateForServer(_ context.Context, serverID int64, kind models.PanelKind) (*models.Panel, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.panels {
		if p.ServerID == serverID {
			cp := *p
			return &cp, false, nil
		}
	}
	f.nextID++
	p := &models.Panel{ID: f.nextID, ServerID: serverID, Kind: kind, Status: models.StatusCreated}
	f.panels[p.ID] = p
	cp := *p
	return &cp, true, nil
}

func (f *fakePanelStore) GetByID(_ context.Context, id int64) (*models.Panel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.panels[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePanelStore) GetByServerID(_ context.Context, serverID int64) (*models.Panel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.panels {
		if p.ServerID == serverID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakePanelStore) ListByStatus(_ context.Context, statuses ...models.Status) ([]*models.Panel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Panel
	for _, p := range f.panels {
		for _, st := range statuses {
			if p.Status == st {
				cp := *p
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakePanelStore) UpdateIfStatus(_ context.Context, p *models.Panel, expected models.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.panels[p.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Status != expected {
		return fmt.Errorf("%w: panel %d is %s", repository.ErrInvalidState, p.ID, cur.Status)
	}
	cur.Status = p.Status
	cur.Address = p.Address
	cur.Login = p.Login
	cur.Password = p.Password
	return nil
}

func (f *fakePanelStore) UpdateToken(_ context.Context, panelID int64, token *string, diedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.panels[panelID]
	if !ok {
		return repository.ErrNotFound
	}
	p.AuthToken = token
	p.TokenDiedTime = diedAt
	f.tokenWrites++
	return nil
}

func (f *fakePanelStore) UpdateUsersCount(_ context.Context, panelID int64, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.panels[panelID]
	if !ok {
		return repository.ErrNotFound
	}
	p.UsersCount = count
	return nil
}

func (f *fakePanelStore) AdjustUsersCount(_ context.Context, panelID int64, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.panels[panelID]
	if !ok {
		return repository.ErrNotFound
	}
	p.UsersCount += delta
	if p.UsersCount < 0 {
		p.UsersCount = 0
	}
	return nil
}

func (f *fakePanelStore) MarkDeletedByServer(_ context.Context, serverID int64, note string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.panels {
		if p.ServerID != serverID {
			continue
		}
		p.Status = models.StatusDeleted
		p.AuthToken = nil
		p.TokenDiedTime = nil
		p.ErrorMessage = nil
		p.ErrorAt = nil
		for _, h := range f.history {
			if h.PanelID == p.ID && h.Open() {
				resolvedAt := at
				h.ResolvedAt = &resolvedAt
				h.ResolutionType = strPtr(models.ResolutionAutomatic)
				h.ResolutionNote = strPtr(note)
			}
		}
	}
	return nil
}

func (f *fakePanelStore) RecordError(_ context.Context, panelID int64, message string, at time.Time) (*models.Panel, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.panels[panelID]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	if p.Status == models.StatusDeleted {
		return nil, false, repository.ErrInvalidState
	}
	p.Status = models.StatusError
	p.ErrorMessage = &message
	p.ErrorAt = &at

	opened := true
	for _, h := range f.history {
		if h.PanelID == panelID && h.Open() {
			h.ErrorMessage = message
			opened = false
		}
	}
	if opened {
		f.nextHistory++
		f.history = append(f.history, &models.PanelErrorHistory{
			ID:              f.nextHistory,
			PanelID:         panelID,
			ErrorMessage:    message,
			ErrorOccurredAt: at,
		})
	}
	cp := *p
	return &cp, opened, nil
}

func (f *fakePanelStore) ClearError(_ context.Context, panelID int64, target models.Status, resolutionType, note string, at time.Time) (*models.Panel, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.panels[panelID]
	if !ok {
		return nil, 0, repository.ErrNotFound
	}
	if p.Status != models.StatusError {
		return nil, 0, repository.ErrInvalidState
	}
	p.Status = target
	p.ErrorMessage = nil
	p.ErrorAt = nil

	var closed int64
	for _, h := range f.history {
		if h.PanelID == panelID && h.Open() {
			resolvedAt := at
			h.ResolvedAt = &resolvedAt
			h.ResolutionType = strPtr(resolutionType)
			h.ResolutionNote = strPtr(note)
			closed++
		}
	}
	cp := *p
	return &cp, closed, nil
}

func (f *fakePanelStore) History(_ context.Context, panelID int64) ([]*models.PanelErrorHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.PanelErrorHistory
	for i := len(f.history) - 1; i >= 0; i-- {
		if f.history[i].PanelID == panelID {
			cp := *f.history[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakePanelStore) CountByStatus(_ context.Context) ([]repository.PanelCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[models.Status]int)
	for _, p := range f.panels {
		counts[p.Status]++
	}
	var out []repository.PanelCount
	for st, n := range counts {
		out = append(out, repository.PanelCount{Status: st, Count: n})
	}
	return out, nil
}

// ---- locations / audit ----

type fakeLocations map[string]*models.Location

func (f fakeLocations) Get(_ context.Context, code string, provider models.Provider) (*models.Location, error) {
	loc, ok := f[code+"/"+string(provider)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return loc, nil
}

type auditEntry struct {
	entity   string
	id       int64
	action   string
	status   string
	metadata map[string]interface{}
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (f *fakeAudit) LogAction(_ context.Context, entityType string, entityID int64, action, status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, auditEntry{entity: entityType, id: entityID, action: action, status: status})
	return nil
}

func (f *fakeAudit) LogActionWithMetadata(_ context.Context, entityType string, entityID int64, action, status, _ string, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, auditEntry{entity: entityType, id: entityID, action: action, status: status, metadata: metadata})
	return nil
}

func (f *fakeAudit) metadata(entity string, id int64, action string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.entity == entity && e.id == id && e.action == action {
			return e.metadata
		}
	}
	return nil
}

func (f *fakeAudit) actions(entity string, id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.entries {
		if e.entity == entity && e.id == id {
			out = append(out, e.action)
		}
	}
	return out
}

// ---- provider ----

type fakeProvider struct {
	mu sync.Mutex

	name          models.Provider
	presets       []client.Preset
	configurators []client.Configurator
	image         client.ImageRef

	createID  string
	createErr error
	created   []client.CreateServerRequest

	info     *client.ServerInfo
	getErr   error
	getCalls int

	addIPErr   error
	addIPCalls int
	ipAfterAdd string

	password    string
	passwordErr error

	deleteErr error
	deleted   []string
}

func (f *fakeProvider) Name() models.Provider { return f.name }

func (f *fakeProvider) CreateServer(_ context.Context, req client.CreateServerRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.createID, nil
}

func (f *fakeProvider) GetServer(_ context.Context, _ string) (*client.ServerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	cp := *f.info
	cp.IPv4 = append([]string(nil), f.info.IPv4...)
	cp.IPv6 = append([]string(nil), f.info.IPv6...)
	return &cp, nil
}

func (f *fakeProvider) DeleteServer(_ context.Context, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, providerID)
	return f.deleteErr
}

func (f *fakeProvider) AddPublicIP(_ context.Context, _ string, _ client.IPKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addIPCalls++
	if f.addIPErr != nil {
		return f.addIPErr
	}
	f.info.IPv4 = append(f.info.IPv4, f.ipAfterAdd)
	return nil
}

func (f *fakeProvider) GetServerPassword(_ context.Context, _ string) (string, error) {
	return f.password, f.passwordErr
}

func (f *fakeProvider) Presets(_ context.Context, _ client.RegionSpec) ([]client.Preset, error) {
	return f.presets, nil
}

func (f *fakeProvider) Configurators(_ context.Context, _ client.RegionSpec) ([]client.Configurator, error) {
	return f.configurators, nil
}

func (f *fakeProvider) ResolveImage(_ context.Context, _ string) (client.ImageRef, error) {
	return f.image, nil
}

// ---- dns ----

type fakeDNS struct {
	mu        sync.Mutex
	nextID    int
	records   map[string]string
	createErr error
	deleteErr error
	// blank forces a record without id/name
	blank bool
}

func newFakeDNS() *fakeDNS {
	return &fakeDNS{records: make(map[string]string)}
}

func (f *fakeDNS) CreateRecord(_ context.Context, name, _ string) (*client.DNSRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.blank {
		return &client.DNSRecord{}, nil
	}
	f.nextID++
	id := fmt.Sprintf("rec-%d", f.nextID)
	fqdn := name + ".vpn.example.com"
	f.records[id] = fqdn
	return &client.DNSRecord{ID: id, Name: fqdn, Type: "A"}, nil
}

func (f *fakeDNS) DeleteRecord(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.records, id)
	return nil
}

func (f *fakeDNS) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// ---- panel api ----

type fakePanelAPI struct {
	tokenCalls atomic.Int32
	token      string
	tokenErr   error
	// tokenGate, when set, blocks Token until closed
	tokenGate chan struct{}

	mu         sync.Mutex
	stats      map[string]*client.SystemStats
	statsErr   error
	users      map[string]*client.PanelUser
	addErr     error
	removeErr  error
	callTokens []string
}

func newFakePanelAPI() *fakePanelAPI {
	return &fakePanelAPI{
		token: "tok-1",
		stats: make(map[string]*client.SystemStats),
		users: make(map[string]*client.PanelUser),
	}
}

func (f *fakePanelAPI) Token(ctx context.Context, _, _, _ string) (string, error) {
	f.tokenCalls.Add(1)
	if f.tokenGate != nil {
		select {
		case <-f.tokenGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.token, f.tokenErr
}

func (f *fakePanelAPI) SystemStats(_ context.Context, address, token string) (*client.SystemStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callTokens = append(f.callTokens, token)
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	s, ok := f.stats[address]
	if !ok {
		return nil, fmt.Errorf("no stats for %s", address)
	}
	return s, nil
}

func (f *fakePanelAPI) AddUser(_ context.Context, _, token string, req *client.CreatePanelUserRequest) (*client.PanelUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callTokens = append(f.callTokens, token)
	if f.addErr != nil {
		return nil, f.addErr
	}
	u := &client.PanelUser{Username: req.Username, Status: req.Status, SubscriptionURL: "/sub/" + req.Username}
	f.users[req.Username] = u
	return u, nil
}

func (f *fakePanelAPI) GetUser(_ context.Context, _, token, username string) (*client.PanelUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callTokens = append(f.callTokens, token)
	u, ok := f.users[username]
	if !ok {
		return nil, client.ErrPanelUserNotFound
	}
	return u, nil
}

func (f *fakePanelAPI) RemoveUser(_ context.Context, _, token, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callTokens = append(f.callTokens, token)
	if f.removeErr != nil {
		return f.removeErr
	}
	if _, ok := f.users[username]; !ok {
		return client.ErrPanelUserNotFound
	}
	delete(f.users, username)
	return nil
}

// ---- installer ----

type fakeInstaller struct {
	creds *PanelCredentials
	err   error
	calls atomic.Int32
	// onInstall runs inside Install, before it returns
	onInstall func()
}

func (f *fakeInstaller) Install(_ context.Context, _ *models.Server) (*PanelCredentials, error) {
	f.calls.Add(1)
	if f.onInstall != nil {
		f.onInstall()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.creds, nil
}

// configuredPanel builds a CONFIGURED panel with credentials
func configuredPanel(id, serverID int64, users int) *models.Panel {
	return &models.Panel{
		ID:         id,
		ServerID:   serverID,
		Kind:       models.PanelMarzban,
		Status:     models.StatusConfigured,
		Address:    strPtr(fmt.Sprintf("https://panel-%d.vpn.example.com", id)),
		Login:      strPtr("admin"),
		Password:   strPtr("secret"),
		UsersCount: users,
	}
}
