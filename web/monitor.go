// Package web has a web based monitor to view the progress of network training and evaluation.
package web

import (
	"context"
	"fmt"
	"html/template"
	"image/png"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jnb666/resnet/img"
	"github.com/jnb666/resnet/nnet"
	"github.com/jnb666/resnet/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/plot/plotter"
)

const (
	// Default number of training steps retained
	DefaultHistory = 100000
	// Number of sample images shown on the train page
	SampleImages = 10
	// Messages queued for each websocket client before it is dropped
	sendBuffer   = 64
	writeTimeout = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Step holds the results from one training step
type Step struct {
	GlobalStep   int64
	Epoch        int
	Loss         float64
	LearningRate float64
	GradNorm     float64
	Elapsed      time.Duration
}

// Message is sent to each websocket client after every training step or evaluation
type Message struct {
	Type  string
	Step  *Step       `json:",omitempty"`
	Stats *nnet.Stats `json:",omitempty"`
}

// websocket connection with its own writer goroutine
type client struct {
	conn *websocket.Conn
	send chan Message
}

func (c *client) writeLoop(log *zap.SugaredLogger) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			log.Debugw("websocket write failed", "error", err)
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Monitor implements the nnet.Hook interface to record training progress, and serves pages
// with the latest stats and plots. Updates are pushed to clients via a websocket.
// The lock is only held to update or copy the history, never while writing to a client.
type Monitor struct {
	*Templates
	Conf     nnet.Config
	Log      *zap.SugaredLogger
	History  int
	steps    []Step
	evals    []nnet.Stats
	stepTime stats.Average
	images   *img.Data
	clients  map[*client]bool
	started  time.Time
	sync.Mutex
}

// Create a new monitor, conf is the network configuration shown on the config page.
func NewMonitor(conf nnet.Config, log *zap.SugaredLogger) (*Monitor, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	t, err := NewTemplates()
	if err != nil {
		return nil, errors.Wrap(err, "parse templates")
	}
	t.AddMenuItem(Link{Name: "train", Url: "/train"})
	t.AddMenuItem(Link{Name: "eval", Url: "/eval"})
	t.AddMenuItem(Link{Name: "config", Url: "/config"})
	return &Monitor{
		Templates: t,
		Conf:      conf,
		Log:       log,
		History:   DefaultHistory,
		clients:   make(map[*client]bool),
		started:   time.Now(),
	}, nil
}

// SetImages sets the data set used for the sample images on the train page
func (m *Monitor) SetImages(data *img.Data) {
	m.Lock()
	m.images = data
	m.Unlock()
}

// Router returns the request handler for the monitor pages
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/", http.RedirectHandler("/train", http.StatusFound))
	r.HandleFunc("/train", m.page("train"))
	r.HandleFunc("/eval", m.page("eval"))
	r.HandleFunc("/config", m.page("config"))
	r.HandleFunc("/stats", m.statsHandler())
	r.HandleFunc("/ws", m.websocketHandler())
	r.HandleFunc("/images/{index:[0-9]+}", m.imageHandler())
	return r
}

// Serve runs the web server on the listener until the context is cancelled
func (m *Monitor) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: m.Router()}
	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()
	m.Log.Infof("starting web server on %s", ln.Addr())
	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return errors.Wrap(err, "web server")
	}
	return nil
}

func (m *Monitor) Begin(s *nnet.Session) {
	m.Lock()
	defer m.Unlock()
	m.Conf = s.Net.Config
	m.started = time.Now()
	m.Heading = template.HTML(fmt.Sprintf("%s: start at step %d", s.Net.DataSet, s.GlobalStep))
}

func (m *Monitor) BeforeRun(ctx *nnet.RunContext) {}

func (m *Monitor) AfterRun(ctx *nnet.RunContext, vals nnet.RunValues) {
	step := Step{
		GlobalStep:   vals.GlobalStep,
		Epoch:        vals.Epoch,
		Loss:         vals.Cost,
		LearningRate: ctx.Feed.LearningRate,
		GradNorm:     vals.GradNorm,
		Elapsed:      vals.Elapsed,
	}
	m.Lock()
	defer m.Unlock()
	m.steps = append(m.steps, step)
	if m.History > 0 && len(m.steps) > m.History {
		m.steps = append([]Step{}, m.steps[len(m.steps)-m.History:]...)
	}
	m.stepTime.Add(vals.Elapsed.Seconds())
	m.broadcast(Message{Type: "step", Step: &step})
}

func (m *Monitor) End(s *nnet.Session) {
	m.Lock()
	defer m.Unlock()
	for c := range m.clients {
		m.drop(c)
	}
}

// AddStats records the results from an evaluation run
func (m *Monitor) AddStats(s nnet.Stats) {
	m.Lock()
	defer m.Unlock()
	m.evals = append(m.evals, s)
	m.broadcast(Message{Type: "eval", Stats: &s})
}

// queue message for each client without blocking, a client whose queue is full is dropped.
// Caller should hold the lock.
func (m *Monitor) broadcast(msg Message) {
	for c := range m.clients {
		select {
		case c.send <- msg:
		default:
			m.Log.Debugw("websocket client too slow: dropped")
			m.drop(c)
		}
	}
}

func (m *Monitor) register(c *client) {
	m.Lock()
	m.clients[c] = true
	m.Unlock()
}

// caller should hold the lock
func (m *Monitor) drop(c *client) {
	if m.clients[c] {
		delete(m.clients, c)
		close(c.send)
	}
}

// copy of the current state used to render a page
func (m *Monitor) snapshot(url string) *view {
	m.Lock()
	defer m.Unlock()
	return &view{
		Templates: m.Templates.Clone().Select(url),
		conf:      m.Conf,
		steps:     append([]Step{}, m.steps...),
		evals:     append([]nnet.Stats{}, m.evals...),
		stepTime:  m.stepTime,
		images:    m.images,
		started:   m.started,
	}
}

func (m *Monitor) page(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := m.snapshot("/" + name)
		v.Exec(w, name, v, m.Log)
	}
}

// Handler function for JSON stats, the n query parameter limits the number of steps returned
func (m *Monitor) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := 100
		if s := r.URL.Query().Get("n"); s != "" {
			var err error
			if n, err = strconv.Atoi(s); err != nil || n < 0 {
				http.Error(w, "invalid n parameter", http.StatusBadRequest)
				return
			}
		}
		m.Lock()
		res := struct {
			Steps []Step
			Evals []nnet.Stats
		}{Steps: latestSteps(m.steps, n), Evals: append([]nnet.Stats{}, m.evals...)}
		m.Unlock()
		writeJSON(w, res, m.Log)
	}
}

// Handler function for websocket connection
func (m *Monitor) websocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.Log.Debugw("websocket upgrade failed", "error", err)
			return
		}
		c := &client{conn: conn, send: make(chan Message, sendBuffer)}
		m.register(c)
		go c.writeLoop(m.Log)
		// read until the client goes away
		for {
			if _, _, err := conn.NextReader(); err != nil {
				break
			}
		}
		m.Lock()
		m.drop(c)
		m.Unlock()
	}
}

// Handler function to return sample image as png
func (m *Monitor) imageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, _ := strconv.Atoi(mux.Vars(r)["index"])
		m.Lock()
		data := m.images
		m.Unlock()
		if data == nil || index >= data.Len() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		if err := png.Encode(w, data.Image(index, r.URL.Query().Get("channel"))); err != nil {
			logError(w, err, m.Log)
		}
	}
}

func latestSteps(steps []Step, n int) []Step {
	res := []Step{}
	for i := len(steps) - 1; i >= 0 && len(res) < n; i-- {
		res = append(res, steps[i])
	}
	return res
}

// view holds the data used by the page templates
type view struct {
	*Templates
	conf     nnet.Config
	steps    []Step
	evals    []nnet.Stats
	stepTime stats.Average
	images   *img.Data
	started  time.Time
}

// LatestSteps returns up to the last n steps, newest first
func (v *view) LatestSteps(n int) []Step {
	return latestSteps(v.steps, n)
}

// LatestEvals returns up to the last n evaluation results, newest first
func (v *view) LatestEvals(n int) []nnet.Stats {
	res := []nnet.Stats{}
	for i := len(v.evals) - 1; i >= 0 && len(res) < n; i-- {
		res = append(res, v.evals[i])
	}
	return res
}

func (v *view) EvalHeaders() []string {
	return nnet.StatsHeaders()
}

func (v *view) StepTime() template.HTML {
	return v.stepTime.HTML()
}

func (v *view) RunTime() string {
	return fmt.Sprintf("run time: %s", time.Since(v.started).Round(time.Second))
}

// Sample images and class names from the start of the data set
func (v *view) Samples() []Link {
	if v.images == nil {
		return nil
	}
	links := []Link{}
	for i := 0; i < SampleImages && i < v.images.Len(); i++ {
		links = append(links, Link{Url: fmt.Sprintf("/images/%d", i), Name: v.images.Class[v.images.Labels[i]]})
	}
	return links
}

func (v *view) LossPlot(width, height int) (template.HTML, error) {
	var pts plotter.XYs
	for _, s := range v.steps {
		if !math.IsNaN(s.Loss) && !math.IsInf(s.Loss, 0) {
			pts = append(pts, plotter.XY{X: float64(s.GlobalStep), Y: s.Loss})
		}
	}
	if len(pts) == 0 {
		return "", nil
	}
	return linePlot(width, height, series{name: "training loss", pts: pts})
}

func (v *view) PrecisionPlot(width, height int) (template.HTML, error) {
	var prec, avg plotter.XYs
	for _, s := range v.evals {
		prec = append(prec, plotter.XY{X: float64(s.GlobalStep), Y: s.Precision * 100})
		avg = append(avg, plotter.XY{X: float64(s.GlobalStep), Y: s.Average * 100})
	}
	if len(prec) == 0 {
		return "", nil
	}
	return linePlot(width, height, series{name: "precision %", pts: prec}, series{name: "average %", pts: avg})
}

// Config fields as name, value pairs
func (v *view) ConfigFields() [][2]string {
	var res [][2]string
	for _, key := range v.conf.Fields() {
		res = append(res, [2]string{key, fmt.Sprint(v.conf.Get(key))})
	}
	return res
}

func (v *view) Layers() []string {
	res := make([]string, len(v.conf.Layers))
	for i, l := range v.conf.Layers {
		res[i] = fmt.Sprintf("%s: %s", l.Name, l)
	}
	return res
}
