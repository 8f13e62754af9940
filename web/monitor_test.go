package web

import (
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jnb666/resnet/img"
	"github.com/jnb666/resnet/nnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() nnet.Config {
	return nnet.Config{DataSet: "cifar10", Optimiser: "mom", Eta: 0.1}.AddLayers(
		nnet.Flatten{Name: "flatten"},
		nnet.Linear{Name: "logit", Nout: 10},
		nnet.Activation{Name: "softmax", Atype: "softmax"},
	)
}

func newTestServer(t *testing.T) (*Monitor, *httptest.Server) {
	m, err := NewMonitor(testConfig(), nil)
	require.NoError(t, err)
	srv := httptest.NewServer(m.Router())
	t.Cleanup(srv.Close)
	return m, srv
}

func get(t *testing.T, url string) (*http.Response, string) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func addSteps(m *Monitor, n int) {
	ctx := &nnet.RunContext{Feed: nnet.Feed{LearningRate: 0.1, Momentum: 0.9}}
	for i := 0; i < n; i++ {
		m.AfterRun(ctx, nnet.RunValues{GlobalStep: int64(i), Epoch: 1, Cost: 2.5 - float64(i)/100, Elapsed: 10 * time.Millisecond})
	}
}

func TestPages(t *testing.T) {
	m, srv := newTestServer(t)
	addSteps(m, 30)
	m.AddStats(nnet.Stats{GlobalStep: 30, Loss: 2, Precision: 0.25, Best: 0.25, Average: 0.25})
	m.AddStats(nnet.Stats{GlobalStep: 60, Loss: 1.8, Precision: 0.3, Best: 0.3, Average: 0.26})

	resp, body := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/train", resp.Request.URL.Path)
	assert.Contains(t, body, "<svg")
	assert.Contains(t, body, "<td>29</td>")

	_, body = get(t, srv.URL+"/eval")
	assert.Contains(t, body, "<svg")
	assert.Contains(t, body, "30.00%")

	_, body = get(t, srv.URL+"/config")
	assert.Contains(t, body, "Optimiser")
	assert.Contains(t, body, "logit: linear")
}

func TestStats(t *testing.T) {
	m, srv := newTestServer(t)
	addSteps(m, 30)
	_, body := get(t, srv.URL+"/stats?n=5")
	var res struct {
		Steps []Step
		Evals []nnet.Stats
	}
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	require.Len(t, res.Steps, 5)
	assert.Equal(t, int64(29), res.Steps[0].GlobalStep)
	assert.Equal(t, 0.1, res.Steps[0].LearningRate)
	assert.Empty(t, res.Evals)

	resp, _ := get(t, srv.URL+"/stats?n=x")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	m.History = 10
	addSteps(m, 1)
	assert.Len(t, m.snapshot("").LatestSteps(100), 10)
}

func TestWebsocket(t *testing.T) {
	m, srv := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	// wait for the connection to be registered
	require.Eventually(t, func() bool {
		m.Lock()
		defer m.Unlock()
		return len(m.clients) == 1
	}, time.Second, 10*time.Millisecond)

	addSteps(m, 2)
	for i := 0; i < 2; i++ {
		var msg Message
		conn.SetReadDeadline(time.Now().Add(time.Second))
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "step", msg.Type)
		require.NotNil(t, msg.Step)
		assert.Equal(t, int64(i), msg.Step.GlobalStep)
	}
	m.AddStats(nnet.Stats{GlobalStep: 2, Precision: 0.5})
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "eval", msg.Type)
	assert.Equal(t, 0.5, msg.Stats.Precision)
}

func TestImages(t *testing.T) {
	m, srv := newTestServer(t)
	resp, _ := get(t, srv.URL+"/images/0")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	images := []*img.Image{img.NewImage(32, 32, 3), img.NewImage(32, 32, 3)}
	m.SetImages(img.NewData([]string{"cat", "dog"}, []int32{1, 0}, images))
	resp, err := http.Get(srv.URL + "/images/1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	pic, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 32, pic.Bounds().Dx())

	_, body := get(t, srv.URL+"/train")
	assert.Contains(t, body, `<img src="/images/0">`)
	assert.Contains(t, body, "dog")
}

// response writer which blocks on the first write until released
type blockedWriter struct {
	header  http.Header
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (w *blockedWriter) Header() http.Header { return w.header }

func (w *blockedWriter) WriteHeader(int) {}

func (w *blockedWriter) Write(p []byte) (int, error) {
	w.once.Do(func() { close(w.started) })
	<-w.release
	return len(p), nil
}

func TestSlowPageDoesNotBlockTraining(t *testing.T) {
	m, err := NewMonitor(testConfig(), nil)
	require.NoError(t, err)
	addSteps(m, 5)
	w := &blockedWriter{header: http.Header{}, started: make(chan struct{}), release: make(chan struct{})}
	defer close(w.release)
	go m.page("train")(w, httptest.NewRequest("GET", "/train", nil))
	select {
	case <-w.started:
	case <-time.After(5 * time.Second):
		t.Fatal("page was not rendered")
	}
	done := make(chan struct{})
	go func() {
		addSteps(m, 1)
		m.AddStats(nnet.Stats{GlobalStep: 1, Precision: 0.1})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("training hook blocked by page request")
	}
}

func TestSlowClientDropped(t *testing.T) {
	m, err := NewMonitor(testConfig(), nil)
	require.NoError(t, err)
	c := &client{send: make(chan Message, sendBuffer)}
	m.register(c)
	addSteps(m, sendBuffer)
	m.Lock()
	assert.True(t, m.clients[c])
	m.Unlock()
	addSteps(m, 1)
	m.Lock()
	assert.False(t, m.clients[c])
	m.Unlock()
	n := 0
	for range c.send {
		n++
	}
	assert.Equal(t, sendBuffer, n)
}
