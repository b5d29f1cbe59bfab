package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-voxnet/config"
	"github.com/tsawler/go-voxnet/progress"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func seededStore(t *testing.T) (*progress.Store, string) {
	t.Helper()
	store, err := progress.OpenStore(filepath.Join(t.TempDir(), progress.StoreFileName), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	run, err := store.StartRun("F3", "lenet", t.TempDir())
	require.NoError(t, err)
	for epoch, loss := range []float64{0.9, 0.7, 0.6} {
		require.NoError(t, run.Record(progress.Event{
			Epoch:   epoch,
			Metrics: map[string]float64{"loss": loss, "val_loss": loss + 0.1, "accuracy": 1 - loss, "lr": 0.01},
			At:      time.Now(),
		}))
	}
	return store, run.Info.ID
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	store, id := seededStore(t)
	router := NewRouter(store, zerolog.Nop())

	rec := get(t, router, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `href="/runs/`+id+`"`)
	assert.Contains(t, rec.Body.String(), "F3")

	rec = get(t, router, "/runs/"+id)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "val_loss")
	assert.Contains(t, body, "echarts")

	rec = get(t, router, "/api/runs/"+id+"/events")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []progress.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 3)
	assert.Equal(t, 0.7, events[1].Metrics["loss"])

	rec = get(t, router, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []progress.RunInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)

	assert.Equal(t, http.StatusOK, get(t, router, "/health/self").Code)
}

func TestUnknownRunIsNotFound(t *testing.T) {
	store, _ := seededStore(t)
	router := NewRouter(store, zerolog.Nop())
	assert.Equal(t, http.StatusNotFound, get(t, router, "/runs/nope").Code)
	assert.Equal(t, http.StatusNotFound, get(t, router, "/api/runs/nope/events").Code)
}

func TestEmptyStore(t *testing.T) {
	store, err := progress.OpenStore(filepath.Join(t.TempDir(), progress.StoreFileName), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()
	router := NewRouter(store, zerolog.Nop())

	rec := get(t, router, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No runs recorded yet")
	assert.JSONEq(t, "[]", get(t, router, "/api/runs").Body.String())
}

func TestLineDataSkipsMissingValues(t *testing.T) {
	data := lineData([]float64{1, math.NaN(), 3})
	require.Len(t, data, 3)
	assert.Equal(t, 1.0, data[0].Value)
	assert.Nil(t, data[1].Value)
}

func TestStartMovesToNextFreePort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	store, _ := seededStore(t)
	srv, err := Start(config.Dashboard{Host: "127.0.0.1", Port: port, Attempts: 20}, store, zerolog.Nop())
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	got := srv.Addr().(*net.TCPAddr).Port
	assert.Greater(t, got, port)
	assert.LessOrEqual(t, got, port+19)

	resp, err := http.Get(srv.URL() + "health/self")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "true")
}

func TestStartGivesUpAfterAttempts(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	store, _ := seededStore(t)
	_, err = Start(config.Dashboard{Host: "127.0.0.1", Port: port, Attempts: 1}, store, zerolog.Nop())
	assert.True(t, errors.Is(err, ErrPortsExhausted), "port %s", strconv.Itoa(port))
}

func TestShutdown(t *testing.T) {
	store, _ := seededStore(t)
	srv, err := Start(config.Dashboard{Host: "127.0.0.1"}, store, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}
