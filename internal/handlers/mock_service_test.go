package handlers

import (
	"context"
	"net/http"

	"rointe_sync/internal/models"
	"rointe_sync/internal/service"

	"github.com/gin-gonic/gin"
)

// ---- Service Mocks ----

type mockSession struct {
	loginErr  error
	logoutErr error
	session   bool

	lastEmail    string
	lastPassword string
	logouts      int
}

func (m *mockSession) Login(ctx context.Context, email, password string) error {
	m.lastEmail = email
	m.lastPassword = password
	if m.loginErr == nil {
		m.session = true
	}
	return m.loginErr
}
func (m *mockSession) Logout(ctx context.Context) error {
	m.logouts++
	m.session = false
	return m.logoutErr
}
func (m *mockSession) HasSession() bool { return m.session }

type mockControl struct {
	err      error
	calls    int
	lastID   string
	lastMode models.Mode
	lastHVAC models.HVACMode
	lastTemp float64
	lastAuto *bool
}

func (m *mockControl) SetMode(ctx context.Context, id string, mode models.Mode) error {
	m.calls++
	m.lastID = id
	m.lastMode = mode
	return m.err
}
func (m *mockControl) SetHVACMode(ctx context.Context, id string, h models.HVACMode) error {
	m.calls++
	m.lastID = id
	m.lastHVAC = h
	return m.err
}
func (m *mockControl) SetTemperature(ctx context.Context, id string, v float64) error {
	m.calls++
	m.lastID = id
	m.lastTemp = v
	return m.err
}
func (m *mockControl) SetScheduleMode(ctx context.Context, id string, auto bool) error {
	m.calls++
	m.lastID = id
	m.lastAuto = &auto
	return m.err
}

type mockMonitoring struct {
	devices     []models.Device
	tree        []models.Installation
	status      service.SyncStatus
	discoverErr error
	discovers   int
	events      chan models.DeviceChanged
}

func (m *mockMonitoring) Tree() []models.Installation { return m.tree }
func (m *mockMonitoring) Devices() []models.Device    { return m.devices }
func (m *mockMonitoring) Device(id string) (models.Device, bool) {
	for _, d := range m.devices {
		if d.ID == id {
			return d, true
		}
	}
	return models.Device{}, false
}
func (m *mockMonitoring) Status() service.SyncStatus { return m.status }
func (m *mockMonitoring) Discover(ctx context.Context) error {
	m.discovers++
	return m.discoverErr
}
func (m *mockMonitoring) Subscribe(buffer int) (<-chan models.DeviceChanged, func()) {
	if m.events == nil {
		m.events = make(chan models.DeviceChanged)
	}
	return m.events, func() {}
}

type mockCommandLog struct {
	resp  []models.CommandRecord
	err   error
	calls int
	last  service.LogFilter
}

func (m *mockCommandLog) List(ctx context.Context, f service.LogFilter) ([]models.CommandRecord, error) {
	m.calls++
	m.last = f
	return m.resp, m.err
}

// ---- Shared Test Helpers ----

const testToken = "local-secret"

func newTestRouter(s *service.Service) *gin.Engine {
	h := NewHandler(s, testToken, nil)
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

func testDevice(id string, mode models.Mode) models.Device {
	return models.Device{
		ID:       id,
		Name:     "Rad. " + id,
		Category: models.CategoryRadiator,
		ZoneID:   "z1",
		State:    models.DeviceState{Mode: mode, TargetTemperature: 7},
	}
}
