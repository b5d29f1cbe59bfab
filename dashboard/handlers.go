package dashboard

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/rs/zerolog"

	"github.com/tsawler/go-voxnet/progress"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Training runs</title></head>
<body>
<h1>Training runs</h1>
{{if .Runs}}<table>
<tr><th>Run</th><th>Survey</th><th>Model</th><th>Started</th></tr>
{{range .Runs}}<tr><td><a href="/runs/{{.ID}}">{{.ID}}</a></td><td>{{.Survey}}</td><td>{{.Model}}</td><td>{{.StartedAt.Format "2006-01-02 15:04:05"}}</td></tr>
{{end}}</table>{{else}}<p>No runs recorded yet.</p>{{end}}
</body>
</html>
`))

// NewRouter registers the dashboard routes:
//
//	GET /                      run index
//	GET /runs/:id              curve charts of one run
//	GET /api/runs              runs as JSON
//	GET /api/runs/:id/events   events of one run as JSON
func NewRouter(store Store, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.SetHTMLTemplate(indexTemplate)

	h := &handlers{store: store}
	router.GET("/health/self", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "true"})
	})
	router.GET("/", h.index)
	router.GET("/runs/:id", h.runPage)

	api := router.Group("/api")
	api.GET("/runs", h.listRuns)
	api.GET("/runs/:id/events", h.runEvents)
	return router
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("Dashboard request")
	}
}

type handlers struct {
	store Store
}

func (h *handlers) index(c *gin.Context) {
	runs, err := h.store.Runs()
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to list runs: %v", err)
		return
	}
	c.HTML(http.StatusOK, "index", gin.H{"Runs": runs})
}

func (h *handlers) listRuns(c *gin.Context) {
	runs, err := h.store.Runs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []progress.RunInfo{}
	}
	c.JSON(http.StatusOK, runs)
}

func (h *handlers) runEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.Run(id); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	events, err := h.store.Events(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if events == nil {
		events = []progress.Event{}
	}
	c.JSON(http.StatusOK, events)
}

func (h *handlers) runPage(c *gin.Context) {
	id := c.Param("id")
	run, err := h.store.Run(id)
	if err != nil {
		c.String(statusFor(err), "%v", err)
		return
	}
	events, err := h.store.Events(id)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to read events: %v", err)
		return
	}

	var buf bytes.Buffer
	if err := renderRun(&buf, run, progress.Pivot(events)); err != nil {
		c.String(http.StatusInternalServerError, "failed to render chart: %v", err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func statusFor(err error) int {
	if errors.Is(err, progress.ErrUnknownRun) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// renderRun draws one line chart per metric group.
func renderRun(buf *bytes.Buffer, run progress.RunInfo, curves progress.Curves) error {
	page := components.NewPage()
	subtitle := fmt.Sprintf("survey=%s model=%s run=%s", run.Survey, run.Model, run.ID)

	for _, group := range curves.Groups() {
		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{PageTitle: "Training curves", Width: "900px", Height: "420px"}),
			charts.WithTitleOpts(opts.Title{Title: group[0], Subtitle: subtitle}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
			charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
			charts.WithXAxisOpts(opts.XAxis{Name: "chunk.epoch", NameLocation: "middle", NameGap: 25}),
		)
		line.SetXAxis(curves.Labels)
		for _, name := range group {
			line.AddSeries(name, lineData(curves.Values[name]))
		}
		page.AddCharts(line)
	}
	return page.Render(buf)
}

// lineData leaves gaps where a metric is missing; NaN cannot be encoded.
func lineData(values []float64) []opts.LineData {
	data := make([]opts.LineData, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		data[i] = opts.LineData{Value: v}
	}
	return data
}
