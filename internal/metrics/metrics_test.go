package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistrySurfacesIncrementedCounters(t *testing.T) {
	reg := New("test-pod")
	reg.InodesRegistered.Inc()
	reg.PeersConnected.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `meshpod_inodes_registered_total{pod="test-pod"} 1`)
	assert.Contains(t, body, `meshpod_peers_connected{pod="test-pod"} 3`)
}

func TestNewRegistryPerPodIsolated(t *testing.T) {
	a := New("pod-a")
	b := New("pod-b")
	a.InodesRegistered.Inc()

	reqA := httptest.NewRequest("GET", "/metrics", nil)
	recA := httptest.NewRecorder()
	a.Handler().ServeHTTP(recA, reqA)
	assert.Contains(t, recA.Body.String(), `pod="pod-a"`)

	reqB := httptest.NewRequest("GET", "/metrics", nil)
	recB := httptest.NewRecorder()
	b.Handler().ServeHTTP(recB, reqB)
	assert.NotContains(t, recB.Body.String(), `pod="pod-a"`)
}
